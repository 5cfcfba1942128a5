// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/base64"
	"io"
	"time"
	"unicode/utf8"

	"github.com/absmach/txbus/storage"
	"gopkg.in/yaml.v3"
)

type dumpState struct {
	Clients     []dumpClient       `yaml:"clients"`
	Sendable    []dumpRegistration `yaml:"sendable"`
	Receivable  []dumpRegistration `yaml:"receivable"`
	Cancellable []int64            `yaml:"cancellable"`
	Messages    []dumpMessage      `yaml:"messages"`
}

type dumpClient struct {
	ID             int32      `yaml:"id"`
	Serial         int64      `yaml:"serial"`
	ConnectTime    time.Time  `yaml:"connect_time"`
	DisconnectTime *time.Time `yaml:"disconnect_time,omitempty"`
}

type dumpRegistration struct {
	Client int32 `yaml:"client"`
	Type   int32 `yaml:"type"`
}

type dumpMessage struct {
	ID         int64     `yaml:"id"`
	Receiver   int32     `yaml:"receiver"`
	Sender     int32     `yaml:"sender"`
	SendTime   time.Time `yaml:"send_time"`
	Expiration string    `yaml:"expiration"`
	Priority   int16     `yaml:"priority"`
	Type       int32     `yaml:"type"`
	Payload    string    `yaml:"payload"`
	Encoding   string    `yaml:"encoding,omitempty"` // base64 when the payload is not UTF-8
}

// writeDump prints snap as YAML.
func writeDump(w io.Writer, snap storage.Snapshot) error {
	out := dumpState{
		Clients:     make([]dumpClient, 0, len(snap.Clients)),
		Sendable:    registrations(snap.Sendable),
		Receivable:  registrations(snap.Receivable),
		Cancellable: make([]int64, 0, len(snap.Cancellable)),
		Messages:    make([]dumpMessage, 0, len(snap.Messages)),
	}
	for _, c := range snap.Clients {
		out.Clients = append(out.Clients, dumpClient{
			ID:             int32(c.ID),
			Serial:         c.Serial,
			ConnectTime:    c.ConnectTime,
			DisconnectTime: c.DisconnectTime,
		})
	}
	for _, id := range snap.Cancellable {
		out.Cancellable = append(out.Cancellable, int64(id))
	}
	for _, m := range snap.Messages {
		dm := dumpMessage{
			ID:         int64(m.ID),
			Receiver:   int32(m.Receiver),
			Sender:     int32(m.Sender),
			SendTime:   m.SendTime,
			Expiration: "never",
			Priority:   int16(m.Priority),
			Type:       int32(m.Type),
			Payload:    string(m.Payload),
		}
		if !m.Expiration.Equal(storage.Forever) {
			dm.Expiration = m.Expiration.Format(time.RFC3339Nano)
		}
		if !utf8.Valid(m.Payload) {
			dm.Payload = base64.StdEncoding.EncodeToString(m.Payload)
			dm.Encoding = "base64"
		}
		out.Messages = append(out.Messages, dm)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(out); err != nil {
		return err
	}
	return enc.Close()
}

func registrations(regs []storage.Registration) []dumpRegistration {
	out := make([]dumpRegistration, 0, len(regs))
	for _, r := range regs {
		out = append(out, dumpRegistration{Client: int32(r.Client), Type: int32(r.Type)})
	}
	return out
}
