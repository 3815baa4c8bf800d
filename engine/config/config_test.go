package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bmizerany/assert"
)

func writeTestConfig(t *testing.T, content string) string {
	dir, err := ioutil.TempDir("", "gomesh-config")
	if err != nil {
		t.Fatal(err)
	}
	f := filepath.Join(dir, "gomesh.ini")
	if err := ioutil.WriteFile(f, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return f
}

func TestReadConfig(t *testing.T) {
	f := writeTestConfig(t, `
[gomesh]
application_name = demoapp
application_password = secret
zone = dev

[kvdb]
url = 127.0.0.1:6379
db = 1

[storage]
url = root:root@tcp(127.0.0.1:3306)/gomesh

[agent]
client_port_base = 16000
rate_limit = 10

[logic]
disconnect_to_logout = 60
`)
	defer os.RemoveAll(filepath.Dir(f))

	SetConfigFile(f)
	cfg := Reload()

	assert.Equal(t, "demoapp", cfg.App.Name)
	assert.Equal(t, "secret", cfg.App.Password)
	assert.Equal(t, "dev", cfg.App.Zone)
	assert.Equal(t, "1", cfg.KVDB.DB)
	assert.Equal(t, "mysql", cfg.Storage.Driver)
	assert.Equal(t, 16000, cfg.Agent.ClientPortBase)
	assert.Equal(t, 10, cfg.Agent.RateLimit)
	assert.Equal(t, time.Minute, cfg.Logic.DisconnectToLogout)
	// untouched defaults survive
	assert.Equal(t, time.Second*11, cfg.Monitor.SaveInterval)
	assert.Equal(t, 1000, cfg.Chat.MaxMessages)
}

func TestDumpPretty(t *testing.T) {
	s := DumpPretty(&AppConfig{Name: "demoapp"})
	assert.T(t, len(s) > 0)
}
