/*
Package wire maps bus envelopes onto broker messages (JSON body plus string headers)
and routes inbound messages to local subscribers by message type.

It is shared by the NATS, RabbitMQ and Kafka adapters.
*/
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	cbus "github.com/next-trace/scg-bus-runtime/contract/bus"
	berr "github.com/next-trace/scg-bus-runtime/contract/errors"
)

// Header keys carrying envelope metadata.
const (
	HeaderMessageID       = "x-message-id"
	HeaderCorrelationID   = "x-correlation-id"
	HeaderMessageType     = "x-message-type"
	HeaderResponseAddress = "x-response-address"
)

const (
	eventsPrefix    = "events."
	endpointsPrefix = "endpoints."
)

// EventSubject is the broadcast subject/topic for a message type. Characters that
// Kafka topic names reject (such as the slashes of a package path) become '_'; the
// exact type still travels in the HeaderMessageType header.
func EventSubject(messageType string) string { return eventsPrefix + subjectToken(messageType) }

// EndpointSubject is the point-to-point subject/topic for an endpoint address.
func EndpointSubject(address string) string { return endpointsPrefix + address }

// IsEndpointSubject reports whether subject addresses an endpoint.
func IsEndpointSubject(subject string) bool { return strings.HasPrefix(subject, endpointsPrefix) }

// Encode serializes env into a body and a header map. Envelope headers are copied;
// metadata headers override user headers with the same key.
func Encode(env cbus.Envelope) ([]byte, map[string]string, error) {
	body := env.Body
	if body == nil {
		b, err := json.Marshal(env.Payload)
		if err != nil {
			return nil, nil, fmt.Errorf("encode %s: %w", env.MessageType, errors.Join(berr.ErrSerializationFailed, err))
		}

		body = b
	}

	h := make(map[string]string, len(env.Headers)+4)
	for k, v := range env.Headers {
		h[k] = v
	}

	setIf(h, HeaderMessageID, env.MessageID)
	setIf(h, HeaderCorrelationID, env.CorrelationID)
	setIf(h, HeaderMessageType, env.MessageType)
	setIf(h, HeaderResponseAddress, env.ResponseAddress)

	return body, h, nil
}

// Decode rebuilds an envelope from a broker message. Payload stays nil; consumers
// decode Body into their own types. fallbackType is used when the message carries no
// type header (e.g. published by a foreign producer onto an event subject).
func Decode(body []byte, headers map[string]string, fallbackType string) cbus.Envelope {
	user := make(map[string]string, len(headers))

	for k, v := range headers {
		switch k {
		case HeaderMessageID, HeaderCorrelationID, HeaderMessageType, HeaderResponseAddress:
		default:
			user[k] = v
		}
	}

	mt := headers[HeaderMessageType]
	if mt == "" {
		mt = fallbackType
	}

	return cbus.Envelope{
		MessageID:       headers[HeaderMessageID],
		CorrelationID:   headers[HeaderCorrelationID],
		MessageType:     mt,
		ResponseAddress: headers[HeaderResponseAddress],
		Headers:         user,
		Body:            body,
	}
}

// TypeFromSubject returns the message type encoded in an event subject, or "". Types
// whose names were rewritten by EventSubject come back in their rewritten form.
func TypeFromSubject(subject string) string {
	if strings.HasPrefix(subject, eventsPrefix) {
		return strings.TrimPrefix(subject, eventsPrefix)
	}

	return ""
}

func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, s)
}

func setIf(h map[string]string, k, v string) {
	if v != "" {
		h[k] = v
	}
}
