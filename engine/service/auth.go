package service

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/gomesh/gomesh/engine/common"
	"github.com/gomesh/gomesh/engine/consts"
)

// authDigest computes the peer authentication token: callers prove knowledge
// of the shared secret bound to the callee identity and a timestamp
func authDigest(target common.ServiceID, t int64, password string) string {
	h := md5.New()
	h.Write([]byte(target))
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(t))
	h.Write(ts[:])
	h.Write([]byte(password))
	return hex.EncodeToString(h.Sum(nil))
}

// checkAuth validates the srv/t/pw query parameters of an incoming peer
// handshake against the local identity
func checkAuth(caller string, tStr string, pw string, local common.ServiceID, password string) (common.ServiceID, bool) {
	if len(caller) != common.SERVICEID_LENGTH {
		return "", false
	}
	t, err := strconv.ParseInt(tStr, 10, 64)
	if err != nil {
		return "", false
	}
	skew := time.Now().Unix() - t
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > consts.RPC_AUTH_TIME_TOLERANCE {
		return "", false
	}
	if pw != authDigest(local, t, password) {
		return "", false
	}
	return common.ServiceID(caller), true
}
