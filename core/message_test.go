package core

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleMessage() *AuthMessage {
	return &AuthMessage{
		Domain:   "agents.example.com",
		Address:  "GBRPYHIL2CI3FNQ4BXLFMNDLFJUNPU2HY3ZMFSHONUCEOASW7QC7OX2H",
		URI:      "https://agents.example.com/login",
		Version:  "1",
		ChainID:  "testnet",
		Nonce:    "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08",
		IssuedAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		AgentID:  "agent-7",
	}
}

func TestFormatMessage_Layout(t *testing.T) {
	m := sampleMessage()
	m.Statement = "Sign in to the escrow service"

	text, err := m.Format()
	require.NoError(t, err)

	expected := strings.Join([]string{
		"agents.example.com wants you to sign in with your Stellar account:",
		"GBRPYHIL2CI3FNQ4BXLFMNDLFJUNPU2HY3ZMFSHONUCEOASW7QC7OX2H",
		"",
		"Sign in to the escrow service",
		"",
		"URI: https://agents.example.com/login",
		"Version: 1",
		"Chain ID: testnet",
		"Nonce: 9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08",
		"Issued At: 2025-03-01T12:00:00Z",
		"Agent ID: agent-7",
	}, "\n")
	assert.Equal(t, expected, text)
}

func TestParseMessage_RoundTrip(t *testing.T) {
	exp := time.Date(2025, 3, 1, 12, 5, 0, 500_000_000, time.UTC)
	nbf := time.Date(2025, 3, 1, 11, 59, 0, 0, time.UTC)

	tests := []struct {
		name   string
		mutate func(m *AuthMessage)
	}{
		{"minimal", func(m *AuthMessage) {}},
		{"statement", func(m *AuthMessage) { m.Statement = "I accept the terms" }},
		{"multiline statement", func(m *AuthMessage) { m.Statement = "line one\nline two: with colon" }},
		{"all optional fields", func(m *AuthMessage) {
			m.Statement = "hello"
			m.ExpirationTime = &exp
			m.NotBefore = &nbf
			m.RequestID = "req-42"
			m.Resources = []string{"https://a.example/x", "ipfs://bafy"}
		}},
		{"resources only", func(m *AuthMessage) { m.Resources = []string{"urn:one"} }},
		{"evm address", func(m *AuthMessage) { m.Address = "0x71C7656EC7ab88b098defB751B7401B5f6d8976F" }},
		{"value containing separator", func(m *AuthMessage) { m.URI = "urn:x: y" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := sampleMessage()
			tt.mutate(m)

			text, err := m.Format()
			require.NoError(t, err)

			parsed, err := ParseMessage(text)
			require.NoError(t, err)
			assert.Equal(t, m, parsed)

			again, err := parsed.Format()
			require.NoError(t, err)
			assert.Equal(t, text, again)
		})
	}
}

func TestParseMessage_Rejects(t *testing.T) {
	valid, err := sampleMessage().Format()
	require.NoError(t, err)

	tests := []struct {
		name string
		text string
	}{
		{"empty", ""},
		{"bad header", strings.Replace(valid, "wants you to sign in", "would like to sign in", 1)},
		{"missing nonce", removeLine(valid, "Nonce: ")},
		{"missing agent", removeLine(valid, "Agent ID: ")},
		{"out of order", swapLines(valid, "Version: ", "Chain ID: ")},
		{"bad issued at", strings.Replace(valid, "2025-03-01T12:00:00Z", "yesterday", 1)},
		{"unsupported version", strings.Replace(valid, "Version: 1", "Version: 2", 1)},
		{"unknown trailing line", valid + "\nColor: blue"},
		{"empty resources block", valid + "\nResources:"},
		{"bad resource line", valid + "\nResources:\n* nope"},
		{"missing blank separator", strings.Replace(valid, "\n\nURI:", "\nURI:", 1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := ParseMessage(tt.text)
			assert.Nil(t, m)
			assert.ErrorIs(t, err, ErrInvalidMessage)
		})
	}
}

func TestFormatMessage_RejectsUnrepresentable(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(m *AuthMessage)
	}{
		{"missing domain", func(m *AuthMessage) { m.Domain = "" }},
		{"missing issued at", func(m *AuthMessage) { m.IssuedAt = time.Time{} }},
		{"newline in nonce", func(m *AuthMessage) { m.Nonce = "ab\ncd" }},
		{"blank statement line", func(m *AuthMessage) { m.Statement = "a\n\nb" }},
		{"statement shadows uri", func(m *AuthMessage) { m.Statement = "URI: https://evil" }},
		{"empty resource", func(m *AuthMessage) { m.Resources = []string{""} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := sampleMessage()
			tt.mutate(m)
			_, err := m.Format()
			assert.ErrorIs(t, err, ErrInvalidMessage)
		})
	}
}

func removeLine(text, prefix string) string {
	var out []string
	for _, l := range strings.Split(text, "\n") {
		if !strings.HasPrefix(l, prefix) {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

func swapLines(text, a, b string) string {
	lines := strings.Split(text, "\n")
	ia, ib := -1, -1
	for i, l := range lines {
		if strings.HasPrefix(l, a) {
			ia = i
		}
		if strings.HasPrefix(l, b) {
			ib = i
		}
	}
	lines[ia], lines[ib] = lines[ib], lines[ia]
	return strings.Join(lines, "\n")
}
