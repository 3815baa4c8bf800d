package srvdis

import (
	"fmt"

	"math/rand"

	"sync"

	"time"

	"sync/atomic"

	timer "github.com/xiaonanln/goTimer"
	"github.com/gomesh/gomesh/engine/common"
	"github.com/gomesh/gomesh/engine/consts"
	"github.com/gomesh/gomesh/engine/gmlog"
	"github.com/gomesh/gomesh/engine/gmutils"
)

// ServiceDelegate gets notified when peers appear or vanish
type ServiceDelegate interface {
	OnServiceDiscovered(rec *ServiceRecord)
	OnServiceOutdated(srvid common.ServiceID)
}

var (
	store    Store
	delegate ServiceDelegate

	localRecord *ServiceRecord
	startTime   time.Time

	snapshotLock sync.RWMutex
	snapshot     = map[common.ServiceID]*ServiceRecord{}

	loadFunc func() float64

	publishTimer  *timer.Timer
	discoverTimer *timer.Timer
	publishBusy   int32
	discoverBusy  int32
)

func servicesPrefix(app string) string {
	return app + "/services/"
}

func serviceKey(app string, srvid common.ServiceID) string {
	return servicesPrefix(app) + string(srvid)
}

func indexKey(app string, srvType string, idx int) string {
	return fmt.Sprintf("%s/index/%s/%d", app, srvType, idx)
}

// SetLoadFunc sets the load factor provider published in the service record
func SetLoadFunc(f func() float64) {
	loadFunc = f
}

// Startup claims a service index, publishes the local record and starts the
// publish / discover timers. rec must carry Type, App, Zone, Hostname, Addrs.
func Startup(st Store, rec *ServiceRecord, dg ServiceDelegate) error {
	store = st
	delegate = dg
	rec.StartTime = time.Now().Unix()
	startTime = time.Now()
	if loadFunc == nil {
		loadFunc = cpuLoadFactor
	}

	idx, err := claimServiceIndex(rec)
	if err != nil {
		return err
	}
	rec.Index = idx
	localRecord = rec
	gmlog.Infof("srvdis: %s claimed index %d", rec, idx)

	if err := publishOnce(); err != nil {
		return err
	}
	if err := discoverOnce(); err != nil {
		return err
	}

	publishTimer = timer.AddTimer(consts.SERVICE_PUBLISH_INTERVAL, func() {
		if !atomic.CompareAndSwapInt32(&publishBusy, 0, 1) {
			return
		}
		go func() {
			defer atomic.StoreInt32(&publishBusy, 0)
			gmutils.RunPanicless(func() {
				if err := publishOnce(); err != nil {
					gmlog.Errorf("srvdis: publish failed: %s", err)
				}
				// rescan aggressively while the mesh is still forming
				if time.Since(startTime) < consts.SERVICE_DISCOVER_BOOST_TIME {
					if err := discoverOnce(); err != nil {
						gmlog.Errorf("srvdis: discover failed: %s", err)
					}
				}
			})
		}()
	})

	discoverTimer = timer.AddTimer(consts.SERVICE_DISCOVER_INTERVAL, func() {
		if !atomic.CompareAndSwapInt32(&discoverBusy, 0, 1) {
			return
		}
		go func() {
			defer atomic.StoreInt32(&discoverBusy, 0)
			gmutils.RunPanicless(func() {
				if err := discoverOnce(); err != nil {
					gmlog.Errorf("srvdis: discover failed: %s", err)
				}
			})
		}()
	})

	return nil
}

// Shutdown withdraws the local record from the directory
func Shutdown() {
	if publishTimer != nil {
		publishTimer.Cancel()
	}
	if discoverTimer != nil {
		discoverTimer.Cancel()
	}
	if localRecord != nil {
		store.Del(serviceKey(localRecord.App, localRecord.ServiceID))
		store.Del(indexKey(localRecord.App, localRecord.Type, localRecord.Index))
	}
}

func claimServiceIndex(rec *ServiceRecord) (int, error) {
	for idx := 0; ; idx++ {
		_, stored, err := store.SetNXGet(indexKey(rec.App, rec.Type, idx), string(rec.ServiceID), consts.SERVICE_PUBLISH_TTL)
		if err != nil {
			return 0, err
		}
		if stored {
			return idx, nil
		}
	}
}

func publishOnce() error {
	localRecord.Load = loadFunc()
	if err := store.Set(serviceKey(localRecord.App, localRecord.ServiceID), marshalRecord(localRecord), consts.SERVICE_PUBLISH_TTL); err != nil {
		return err
	}
	// keep the index lease alive as well
	return store.Set(indexKey(localRecord.App, localRecord.Type, localRecord.Index), string(localRecord.ServiceID), consts.SERVICE_PUBLISH_TTL)
}

func discoverOnce() error {
	items, err := store.ScanPrefix(servicesPrefix(localRecord.App))
	if err != nil {
		return err
	}

	next := make(map[common.ServiceID]*ServiceRecord, len(items))
	for _, item := range items {
		rec, err := unmarshalRecord(item.Val)
		if err != nil {
			gmlog.Warnf("srvdis: skipping bad record at %s: %s", item.Key, err)
			continue
		}
		next[rec.ServiceID] = rec
	}

	snapshotLock.Lock()
	prev := snapshot
	snapshot = next
	snapshotLock.Unlock()

	for srvid, rec := range next {
		if _, ok := prev[srvid]; !ok && srvid != localRecord.ServiceID {
			gmlog.Infof("srvdis: service discovered: %s @ %v", rec, rec.Addrs)
			if delegate != nil {
				delegate.OnServiceDiscovered(rec)
			}
		}
	}
	for srvid, rec := range prev {
		if _, ok := next[srvid]; !ok && srvid != localRecord.ServiceID {
			gmlog.Warnf("srvdis: service outdated: %s", rec)
			if delegate != nil {
				delegate.OnServiceOutdated(srvid)
			}
		}
	}
	return nil
}

// GetRecord returns the record of a known service
func GetRecord(srvid common.ServiceID) (*ServiceRecord, bool) {
	snapshotLock.RLock()
	rec, ok := snapshot[srvid]
	snapshotLock.RUnlock()
	return rec, ok
}

// LocalRecord returns the record published for this process
func LocalRecord() *ServiceRecord {
	return localRecord
}

// Resolve expands a selector against the current directory snapshot.
// An empty result is valid: the caller decides whether that is an error.
func Resolve(sel Selector) []*ServiceRecord {
	snapshotLock.RLock()
	defer snapshotLock.RUnlock()

	switch sel.mode {
	case selectUnicast:
		if rec, ok := snapshot[sel.target]; ok {
			return []*ServiceRecord{rec}
		}
		return nil
	case selectMulticast, selectRandomcast:
		var recs []*ServiceRecord
		for _, rec := range snapshot {
			if rec.Type == sel.srvType {
				recs = append(recs, rec)
			}
		}
		if sel.mode == selectRandomcast && len(recs) > 1 {
			i := rand.Intn(len(recs))
			recs = recs[i : i+1]
		}
		return recs
	case selectBroadcast:
		recs := make([]*ServiceRecord, 0, len(snapshot))
		for _, rec := range snapshot {
			recs = append(recs, rec)
		}
		return recs
	}
	return nil
}
