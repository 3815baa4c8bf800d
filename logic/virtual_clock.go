package logic

import (
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/xiaonanln/typeconv"
	"github.com/gomesh/gomesh/engine/gmlog"
	"github.com/gomesh/gomesh/engine/proto"
	"github.com/gomesh/gomesh/engine/service"
)

const maxClockOffset = 999999999 // seconds

// VirtualClock is the game-time clock: real time shifted by an adjustable
// offset, so events can be rehearsed without touching the system clock.
type VirtualClock struct {
	offset int64 // seconds, atomic
}

// NewVirtualClock creates a clock with the given initial offset.
func NewVirtualClock(offset time.Duration) *VirtualClock {
	vc := &VirtualClock{}
	atomic.StoreInt64(&vc.offset, int64(offset/time.Second))
	return vc
}

// Startup registers the offset opcode.
func (vc *VirtualClock) Startup() {
	service.AddHandler(proto.OP_VCLOCK_SET_OFFSET, vc.handleSetOffset)
}

// Offset returns the current offset.
func (vc *VirtualClock) Offset() time.Duration {
	return time.Duration(atomic.LoadInt64(&vc.offset)) * time.Second
}

// Now returns the current virtual time.
func (vc *VirtualClock) Now() time.Time {
	return time.Now().Add(vc.Offset())
}

// NowUnix returns the current virtual time in unix seconds.
func (vc *VirtualClock) NowUnix() int64 {
	return vc.Now().Unix()
}

func (vc *VirtualClock) handleSetOffset(ctx *service.Context, data map[string]interface{}) (map[string]interface{}, error) {
	v, ok := data["offset"]
	if !ok || v == nil {
		return nil, errors.New("offset is missing")
	}
	offset := typeconv.Int(v)
	if offset < -maxClockOffset || offset > maxClockOffset {
		return nil, errors.Errorf("offset %d out of range", offset)
	}

	atomic.StoreInt64(&vc.offset, offset)
	gmlog.Infof("logic: virtual clock offset set to %ds", offset)

	return map[string]interface{}{"status": proto.GS_OK}, nil
}
