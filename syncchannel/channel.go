package syncchannel

import (
	"fmt"
	"strings"

	"github.com/c360/entitysync/errors"
)

// ChannelName builds "<prefix>.<tenant>.<entity>". Tenant may be empty, in
// which case the name is "<prefix>.<entity>". Every token must be subject-safe.
func ChannelName(prefix, tenant, entity string) (string, error) {
	tokens := []string{prefix}
	if tenant != "" {
		tokens = append(tokens, tenant)
	}
	tokens = append(tokens, entity)

	for _, tok := range tokens {
		if err := ValidateToken(tok); err != nil {
			return "", err
		}
	}
	return strings.Join(tokens, "."), nil
}

// ValidateToken rejects empty tokens and tokens carrying NATS subject
// separators, wildcards or whitespace.
func ValidateToken(tok string) error {
	if tok == "" {
		return errors.WrapInvalid(fmt.Errorf("empty channel token"), "syncchannel", "ValidateToken", "check token")
	}
	if strings.ContainsAny(tok, ".*> \t\r\n") {
		return errors.WrapInvalid(
			fmt.Errorf("channel token %q contains reserved characters", tok),
			"syncchannel", "ValidateToken", "check token")
	}
	return nil
}
