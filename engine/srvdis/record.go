package srvdis

import (
	"encoding/json"

	"fmt"

	"strings"

	"github.com/pkg/errors"
	"github.com/gomesh/gomesh/engine/common"
)

// ServiceRecord is the information one service publishes about itself
type ServiceRecord struct {
	ServiceID common.ServiceID `json:"service_id"`
	App       string           `json:"app"`
	Zone      string           `json:"zone"`
	Type      string           `json:"type"`
	Index     int              `json:"index"`
	Load      float64          `json:"load"`
	Hostname  string           `json:"hostname"`
	Addrs     []string         `json:"addrs"` // dialable host:port, loopback last
	StartTime int64            `json:"start_time"`
}

func (rec *ServiceRecord) String() string {
	return fmt.Sprintf("%s<%s.%d|%s>", rec.Type, rec.App, rec.Index, rec.ServiceID)
}

func (rec *ServiceRecord) validate() error {
	if rec.ServiceID.IsNil() {
		return errors.New("service record has no service_id")
	}
	if rec.Type == "" {
		return errors.New("service record has no type")
	}
	if len(rec.Addrs) == 0 {
		return errors.New("service record has no addrs")
	}
	return nil
}

// DialAddr picks the address to dial for the record: services on the same
// host talk over loopback, otherwise the advertised address is used
func (rec *ServiceRecord) DialAddr(localHostname string) string {
	if rec.Hostname == localHostname {
		for _, addr := range rec.Addrs {
			if strings.HasPrefix(addr, "127.") || strings.HasPrefix(addr, "localhost:") {
				return addr
			}
		}
	}
	return rec.Addrs[0]
}

func marshalRecord(rec *ServiceRecord) string {
	b, err := json.Marshal(rec)
	if err != nil {
		panic(errors.Wrap(err, "srvdis: marshal service record failed"))
	}
	return string(b)
}

func unmarshalRecord(data string) (*ServiceRecord, error) {
	var rec ServiceRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, errors.Wrap(err, "srvdis: bad service record")
	}
	if err := rec.validate(); err != nil {
		return nil, err
	}
	return &rec, nil
}
