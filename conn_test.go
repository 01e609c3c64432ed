package tls13

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigInitDefaults(t *testing.T) {
	c := &Config{ServerName: "example.com"}
	require.NoError(t, c.Init())

	require.NotEmpty(t, c.CipherSuites)
	require.NotEmpty(t, c.Groups)
	require.NotEmpty(t, c.SignatureSchemes)
	require.NotEmpty(t, c.PSKModes)
	require.NotNil(t, c.PSKs)
	require.Equal(t, 0, c.PSKs.Size())
}

func TestConfigInitPreservesExplicitValues(t *testing.T) {
	c := &Config{
		ServerName:   "example.com",
		CipherSuites: []CipherSuite{TLS_CHACHA20_POLY1305_SHA256},
		Groups:       []NamedGroup{X25519},
	}
	require.NoError(t, c.Init())

	require.Equal(t, []CipherSuite{TLS_CHACHA20_POLY1305_SHA256}, c.CipherSuites)
	require.Equal(t, []NamedGroup{X25519}, c.Groups)
}

func TestConfigValidForClient(t *testing.T) {
	require.False(t, Config{}.ValidForClient())
	require.True(t, Config{ServerName: "example.com"}.ValidForClient())
}

func TestPSKMapCache(t *testing.T) {
	cache := &PSKMapCache{}
	_, ok := cache.Get("example.com")
	require.False(t, ok)

	psk := PreSharedKey{CipherSuite: TLS_AES_128_GCM_SHA256, Identity: []byte{1, 2, 3}}
	cache.Put("example.com", psk)

	got, ok := cache.Get("example.com")
	require.True(t, ok)
	require.Equal(t, psk, got)
	require.Equal(t, 1, cache.Size())
}

func TestConnectionStateZeroValueBeforeHandshake(t *testing.T) {
	c := &Conn{}
	cs := c.ConnectionState()
	require.False(t, cs.HandshakeComplete)
	require.Equal(t, CipherSuite(0), cs.CipherSuite)
}
