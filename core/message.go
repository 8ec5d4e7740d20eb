package core

import (
	"strings"
	"time"
)

const (
	messageHeaderSuffix = " wants you to sign in with your Stellar account:"
	resourcesHeader     = "Resources:"
	resourcePrefix      = "- "

	// MessageVersion is the only AuthMessage version understood
	MessageVersion = "1"
)

// AuthMessage is the structured sign-in message. Its text form, produced by
// Format, is the exact byte sequence a wallet signs.
type AuthMessage struct {
	Domain         string     `json:"domain"`
	Address        string     `json:"address"`
	Statement      string     `json:"statement,omitempty"`
	URI            string     `json:"uri"`
	Version        string     `json:"version"`
	ChainID        string     `json:"chainId"`
	Nonce          string     `json:"nonce"`
	IssuedAt       time.Time  `json:"issuedAt"`
	AgentID        string     `json:"agentId"`
	ExpirationTime *time.Time `json:"expirationTime,omitempty"`
	NotBefore      *time.Time `json:"notBefore,omitempty"`
	RequestID      string     `json:"requestId,omitempty"`
	Resources      []string   `json:"resources,omitempty"`
}

// field keys in the order they are written
const (
	keyURI            = "URI"
	keyVersion        = "Version"
	keyChainID        = "Chain ID"
	keyNonce          = "Nonce"
	keyIssuedAt       = "Issued At"
	keyAgentID        = "Agent ID"
	keyExpirationTime = "Expiration Time"
	keyNotBefore      = "Not Before"
	keyRequestID      = "Request ID"
)

// Validate checks that the message has every required field and that no
// field would break the line-oriented layout.
func (m *AuthMessage) Validate() error {
	required := []string{m.Domain, m.Address, m.URI, m.Version, m.ChainID, m.Nonce, m.AgentID}
	for _, v := range required {
		if v == "" {
			return ErrInvalidMessage.WithMessage("missing required field")
		}
	}
	if m.IssuedAt.IsZero() {
		return ErrInvalidMessage.WithMessage("missing issued at")
	}
	if m.Version != MessageVersion {
		return ErrInvalidMessage.WithMessage("unsupported version %q", m.Version)
	}

	single := []string{m.Domain, m.Address, m.URI, m.Version, m.ChainID, m.Nonce, m.AgentID, m.RequestID}
	for _, v := range single {
		if strings.ContainsAny(v, "\r\n") || strings.TrimSpace(v) != v {
			return ErrInvalidMessage.WithMessage("field contains line break or surrounding space")
		}
	}
	if strings.Contains(m.Domain, " wants you to sign in") {
		return ErrInvalidMessage.WithMessage("domain contains header text")
	}

	if m.Statement != "" {
		for _, line := range strings.Split(m.Statement, "\n") {
			if strings.TrimSpace(line) == "" || strings.HasPrefix(line, keyURI+": ") || strings.Contains(line, "\r") {
				return ErrInvalidMessage.WithMessage("statement contains blank or reserved line")
			}
		}
	}

	for _, r := range m.Resources {
		if r == "" || strings.ContainsAny(r, "\r\n") {
			return ErrInvalidMessage.WithMessage("invalid resource")
		}
	}

	return nil
}

// Format renders the canonical text of the message
func (m *AuthMessage) Format() (string, error) {
	if err := m.Validate(); err != nil {
		return "", err
	}

	lines := []string{m.Domain + messageHeaderSuffix, m.Address}
	if m.Statement != "" {
		lines = append(lines, "", m.Statement)
	}

	lines = append(lines,
		"",
		keyURI+": "+m.URI,
		keyVersion+": "+m.Version,
		keyChainID+": "+m.ChainID,
		keyNonce+": "+m.Nonce,
		keyIssuedAt+": "+formatTime(m.IssuedAt),
		keyAgentID+": "+m.AgentID,
	)
	if m.ExpirationTime != nil {
		lines = append(lines, keyExpirationTime+": "+formatTime(*m.ExpirationTime))
	}
	if m.NotBefore != nil {
		lines = append(lines, keyNotBefore+": "+formatTime(*m.NotBefore))
	}
	if m.RequestID != "" {
		lines = append(lines, keyRequestID+": "+m.RequestID)
	}
	if len(m.Resources) > 0 {
		lines = append(lines, resourcesHeader)
		for _, r := range m.Resources {
			lines = append(lines, resourcePrefix+r)
		}
	}

	return strings.Join(lines, "\n"), nil
}

// ParseMessage parses the canonical text form. Parsing is strict: fields
// must appear in canonical order and any unknown line rejects the message.
func ParseMessage(text string) (*AuthMessage, error) {
	lines := strings.Split(text, "\n")
	if len(lines) < 9 {
		return nil, ErrInvalidMessage
	}

	domain, ok := strings.CutSuffix(lines[0], messageHeaderSuffix)
	if !ok || domain == "" {
		return nil, ErrInvalidMessage
	}
	m := &AuthMessage{Domain: domain, Address: lines[1]}

	if lines[2] != "" {
		return nil, ErrInvalidMessage
	}
	i := 3

	if !strings.HasPrefix(lines[i], keyURI+": ") {
		var statement []string
		for i < len(lines) && lines[i] != "" {
			statement = append(statement, lines[i])
			i++
		}
		// statement must be followed by a blank separator
		if i >= len(lines) {
			return nil, ErrInvalidMessage
		}
		m.Statement = strings.Join(statement, "\n")
		i++
	}

	next := func(key string, optional bool) (string, bool, error) {
		if i >= len(lines) {
			if optional {
				return "", false, nil
			}
			return "", false, ErrInvalidMessage
		}
		value, found := strings.CutPrefix(lines[i], key+": ")
		if !found {
			if optional {
				return "", false, nil
			}
			return "", false, ErrInvalidMessage
		}
		i++
		return value, true, nil
	}

	var err error
	var issuedAt string
	for _, f := range []struct {
		key string
		dst *string
	}{
		{keyURI, &m.URI},
		{keyVersion, &m.Version},
		{keyChainID, &m.ChainID},
		{keyNonce, &m.Nonce},
		{keyIssuedAt, &issuedAt},
		{keyAgentID, &m.AgentID},
	} {
		if *f.dst, _, err = next(f.key, false); err != nil {
			return nil, err
		}
	}
	if m.IssuedAt, err = parseTime(issuedAt); err != nil {
		return nil, err
	}

	if v, found, _ := next(keyExpirationTime, true); found {
		t, err := parseTime(v)
		if err != nil {
			return nil, err
		}
		m.ExpirationTime = &t
	}
	if v, found, _ := next(keyNotBefore, true); found {
		t, err := parseTime(v)
		if err != nil {
			return nil, err
		}
		m.NotBefore = &t
	}
	if v, found, _ := next(keyRequestID, true); found {
		if v == "" {
			return nil, ErrInvalidMessage
		}
		m.RequestID = v
	}

	if i < len(lines) && lines[i] == resourcesHeader {
		i++
		for ; i < len(lines); i++ {
			r, found := strings.CutPrefix(lines[i], resourcePrefix)
			if !found || r == "" {
				return nil, ErrInvalidMessage
			}
			m.Resources = append(m.Resources, r)
		}
		if len(m.Resources) == 0 {
			return nil, ErrInvalidMessage
		}
	}
	if i != len(lines) {
		return nil, ErrInvalidMessage
	}

	if err := m.Validate(); err != nil {
		return nil, ErrInvalidMessage
	}
	return m, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, ErrInvalidMessage.WithCause(err)
	}
	return t.UTC(), nil
}
