package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(`{"http":{"port":2847,"host":"0.0.0.0"},"ws": true,"setuid":"nobody"}`))
	require.NoError(t, err)
	require.Equal(t, &Listen{Port: 2847, Host: "0.0.0.0"}, cfg.HTTP)
	require.Equal(t, WSShared, cfg.WS.Mode)
	require.Equal(t, "nobody", cfg.Setuid)
	require.Equal(t, "0.0.0.0:2847", cfg.HTTP.Addr())
	require.Equal(t, Duration(30*time.Second), cfg.DialTimeout)
}

func TestParseWS(t *testing.T) {
	testCases := []struct {
		name    string
		in      string
		want    WSConfig
		wantErr error
	}{
		{"standalone", `{"ws":{"port":9000}}`, WSConfig{Mode: WSStandalone, Listen: Listen{Port: 9000}}, nil},
		{"standalone with host", `{"http":{"port":80},"ws":{"port":9000,"host":"::"}}`, WSConfig{Mode: WSStandalone, Listen: Listen{Port: 9000, Host: "::"}}, nil},
		{"shared", `{"http":{"port":80},"ws":true}`, WSConfig{Mode: WSShared}, nil},
		{"disabled", `{"http":{"port":80},"ws":false}`, WSConfig{Mode: WSDisabled}, nil},
		{"omitted", `{"http":{"port":80}}`, WSConfig{Mode: WSDisabled}, nil},
		{"shared without http", `{"ws":true}`, WSConfig{}, ErrSharedWSWithoutHTTP},
		{"nothing", `{}`, WSConfig{}, ErrNoListener},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tc.in))
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, cfg.WS)
		})
	}
}

func TestParseErrors(t *testing.T) {
	for _, in := range []string{
		`not json`,
		`{"ws":"yes"}`,
		`{"http":{"port":70000}}`,
		`{"http":{"port":80},"unknown":1}`,
		`{"http":{"port":80},"createRate":-1}`,
		`{"http":{"port":80},"dialTimeout":"soon"}`,
	} {
		_, err := Parse([]byte(in))
		require.Error(t, err, in)
	}
}

func TestDecodeSkipsValidation(t *testing.T) {
	cfg, err := Decode([]byte(`{"ws":true}`))
	require.NoError(t, err)
	require.Equal(t, WSShared, cfg.WS.Mode)
	require.ErrorIs(t, cfg.Validate(), ErrSharedWSWithoutHTTP)

	cfg.HTTP = &Listen{Port: 8080}
	require.NoError(t, cfg.Validate())

	_, err = Decode([]byte(`{"unknown":1}`))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bifrost.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o600))
	cfg, err = DecodeFile(path)
	require.NoError(t, err)
	require.ErrorIs(t, cfg.Validate(), ErrNoListener)
}

func TestDuration(t *testing.T) {
	cfg, err := Parse([]byte(`{"http":{"port":80},"dialTimeout":"5s"}`))
	require.NoError(t, err)
	require.Equal(t, Duration(5*time.Second), cfg.DialTimeout)

	cfg, err = Parse([]byte(`{"http":{"port":80},"dialTimeout":250}`))
	require.NoError(t, err)
	require.Equal(t, Duration(250*time.Millisecond), cfg.DialTimeout)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bifrost.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"http":{"port":8080},"metrics":{"port":9100}}`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, uint16(8080), cfg.HTTP.Port)
	require.Equal(t, ":9100", cfg.Metrics.Addr())

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("BIFROST_LOG_LEVEL", "debug")
	t.Setenv("BIFROST_HTTP_PORT", "8081")
	t.Setenv("BIFROST_CREATE_RATE", "2.5")

	cfg := DefaultConfig()
	require.NoError(t, LoadFromEnv(cfg))
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, uint16(8081), cfg.HTTP.Port)
	require.Equal(t, 2.5, cfg.CreateRate)
	require.NoError(t, cfg.Validate())

	t.Setenv("BIFROST_HTTP_PORT", "http")
	require.Error(t, LoadFromEnv(DefaultConfig()))
}
