package security

import (
	"encoding/json"
	"encoding/pem"
	"fmt"
	"strings"

	"licensekit/pkg/contracts/domain"
)

// ArmorType is the PEM block type of a license envelope.
const ArmorType = "LICENSE"

// Armor renders an envelope as a delimiter-bounded text block with the
// base64 body wrapped at 64 columns.
func Armor(env *domain.Envelope) (string, error) {
	if env == nil {
		return "", fmt.Errorf("%w: envelope is nil", ErrEnvelopeFormat)
	}
	body, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to serialize envelope: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: ArmorType, Bytes: body})), nil
}

// Dearmor strips the delimiters and decodes the envelope structure.
func Dearmor(text string) (*domain.Envelope, error) {
	normalized := strings.ReplaceAll(strings.TrimSpace(text), "\r\n", "\n")
	if normalized == "" {
		return nil, fmt.Errorf("%w: empty input", ErrEnvelopeFormat)
	}

	block, rest := pem.Decode([]byte(normalized))
	if block == nil {
		return nil, fmt.Errorf("%w: missing or corrupt BEGIN/END %s block", ErrEnvelopeFormat, ArmorType)
	}
	if block.Type != ArmorType {
		return nil, fmt.Errorf("%w: unexpected block type %q", ErrEnvelopeFormat, block.Type)
	}
	if strings.TrimSpace(string(rest)) != "" {
		return nil, fmt.Errorf("%w: trailing data after END %s", ErrEnvelopeFormat, ArmorType)
	}

	var env domain.Envelope
	if err := json.Unmarshal(block.Bytes, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnvelopeFormat, err)
	}
	return &env, nil
}
