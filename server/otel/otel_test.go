// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/absmach/txbus/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

func writeCA(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "txbus collector CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	return path
}

func TestNewResource(t *testing.T) {
	cfg := config.Default().Otel
	res, err := newResource(context.Background(), cfg, Identity{InstanceID: "node-1", Storage: "badger"})
	require.NoError(t, err)

	attrs := make(map[attribute.Key]string)
	for _, kv := range res.Attributes() {
		attrs[kv.Key] = kv.Value.Emit()
	}
	assert.Equal(t, "txbus", attrs[semconv.ServiceNameKey])
	assert.Equal(t, "node-1", attrs[semconv.ServiceInstanceIDKey])
	assert.Equal(t, "badger", attrs[StorageTypeKey])

	res, err = newResource(context.Background(), cfg, Identity{InstanceID: "node-2"})
	require.NoError(t, err)
	_, ok := res.Set().Value(StorageTypeKey)
	assert.False(t, ok)
}

func TestTransportCredentials(t *testing.T) {
	ca := writeCA(t)
	garbage := filepath.Join(t.TempDir(), "garbage.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("not a certificate"), 0o600))

	tests := []struct {
		name     string
		modify   func(c *config.OtelConfig)
		protocol string
		wantErr  bool
	}{
		{"insecure", func(c *config.OtelConfig) {}, "insecure", false},
		{"system roots", func(c *config.OtelConfig) { c.Insecure = false }, "tls", false},
		{"custom CA", func(c *config.OtelConfig) {
			c.Insecure = false
			c.CAFile = ca
		}, "tls", false},
		{"missing CA", func(c *config.OtelConfig) {
			c.Insecure = false
			c.CAFile = filepath.Join(t.TempDir(), "absent.pem")
		}, "", true},
		{"no certificates", func(c *config.OtelConfig) {
			c.Insecure = false
			c.CAFile = garbage
		}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default().Otel
			tt.modify(&cfg)

			creds, err := transportCredentials(cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.protocol, creds.Info().SecurityProtocol)
		})
	}
}

func TestSampler(t *testing.T) {
	params := sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       trace.TraceID{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 1},
		Name:          "txbus.send_to_any",
	}

	assert.Equal(t, sdktrace.RecordAndSample, sampler(1).ShouldSample(params).Decision)
	assert.Equal(t, sdktrace.RecordAndSample, sampler(2).ShouldSample(params).Decision)
	assert.Equal(t, sdktrace.Drop, sampler(0).ShouldSample(params).Decision)
	assert.Equal(t, sdktrace.Drop, sampler(-1).ShouldSample(params).Decision)
}

func TestInitProviderDisabled(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	p, err := InitProvider(context.Background(), config.Default().Otel, Identity{InstanceID: "node-1", Storage: "memory"})
	require.NoError(t, err)
	assert.IsType(t, tracenoop.TracerProvider{}, otel.GetTracerProvider())
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestInitProviderBadCA(t *testing.T) {
	cfg := config.Default().Otel
	cfg.TracesEnabled = true
	cfg.Insecure = false
	cfg.CAFile = filepath.Join(t.TempDir(), "absent.pem")

	_, err := InitProvider(context.Background(), cfg, Identity{InstanceID: "node-1"})
	assert.Error(t, err)
}
