package redis_db

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRedisURL(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		addr     string
		password string
		wantErr  bool
	}{
		{name: "docker style", url: "redis:6379", addr: "redis:6379"},
		{name: "url with password", url: "redis://:password123@localhost:6379", addr: "localhost:6379", password: "password123"},
		{name: "password without colon", url: "redis://secret@localhost:6379", addr: "localhost:6379", password: "secret"},
		{name: "bad scheme", url: "http://localhost:6379", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRedisURL(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.addr, got.Addr)
			assert.Equal(t, tt.password, got.Password)
		})
	}
}

func TestNewRedisClient(t *testing.T) {
	_, err := NewRedisClient(nil)
	assert.Error(t, err)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	r, err := NewRedisClient([]string{mr.Addr()})
	require.NoError(t, err)
	assert.NotNil(t, r.Client())
	assert.Equal(t, r.Client(), r.MakeRedisClient())

	addr := mr.Addr()
	mr.Close()
	_, err = NewRedisClient([]string{addr})
	assert.Error(t, err)
}
