package config

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/goccy/go-yaml"
)

// Transport selects how push-channel events reach the dashboard.
type Transport string

const (
	// TransportWebSocket joins the backend's websocket endpoint.
	TransportWebSocket Transport = "websocket"

	// TransportNATS subscribes to a per-session NATS subject.
	TransportNATS Transport = "nats"
)

// Validate performs basic validation of a Transport value:
// - Checks whether the value is a known Transport
// - Replaces an empty value with the default one (TransportWebSocket)
func (t *Transport) Validate() error {
	switch *t {
	case "":
		*t = TransportWebSocket
		return nil
	case TransportWebSocket, TransportNATS:
		return nil
	default:
		return fmt.Errorf(
			"bad Transport value: must be empty or one of %q, %q",
			string(TransportWebSocket),
			string(TransportNATS),
		)
	}
}

// unmarshalTransportYAML implements a custom YAML unmarshaler for Transport.
// Validates the value after unmarshaling.
func unmarshalTransportYAML(value *Transport, data []byte) error {
	var transport string

	if err := yaml.Unmarshal(data, &transport); err != nil {
		return err
	}

	*value = Transport(transport)

	return value.Validate()
}

func init() {
	yaml.RegisterCustomUnmarshaler[Transport](unmarshalTransportYAML)
}

// validateURLString performs basic sanity checks of a string that should contain a
// URL with one of the given schemes.
func validateURLString(str string, schemes ...string) error {
	if str == "" {
		return errors.New("URL must not be empty")
	}

	u, err := url.Parse(str)
	if err != nil {
		return fmt.Errorf("failed to parse URL: %w", err)
	}

	supported := false
	for _, s := range schemes {
		if u.Scheme == s {
			supported = true
			break
		}
	}
	if !supported {
		return fmt.Errorf("unsupported URL scheme: %q", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL does not contain a hostname")
	}

	return nil
}
