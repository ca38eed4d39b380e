// Package payload implements the tagged envelope exchanged between devices:
// {"type": <tag>, "data": <base64 JSON of the model>}.
package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/luxfi/assist/pkg/types"
)

type MessageType string

const (
	TypeMobilityProfile   MessageType = "mobilityProfile"
	TypeMenuData          MessageType = "menuData"
	TypeAlertMessage      MessageType = "alertMessage"
	TypeNavigationRequest MessageType = "navigationRequest"
	TypeNavigationData    MessageType = "navigationData"
	TypeDrawPath          MessageType = "drawPath"
	TypeOrder             MessageType = "order"
)

var allTypes = []MessageType{
	TypeMobilityProfile,
	TypeMenuData,
	TypeAlertMessage,
	TypeNavigationRequest,
	TypeNavigationData,
	TypeDrawPath,
	TypeOrder,
}

// AllTypes returns every supported tag in a stable order.
func AllTypes() []MessageType {
	out := make([]MessageType, len(allTypes))
	copy(out, allTypes)
	return out
}

func (t MessageType) Valid() bool {
	for _, k := range allTypes {
		if k == t {
			return true
		}
	}
	return false
}

func (t MessageType) String() string { return string(t) }

func ParseMessageType(s string) (MessageType, error) {
	t := MessageType(s)
	if !t.Valid() {
		return "", &DecodingError{Type: t, Err: fmt.Errorf("unknown message type %q", s)}
	}
	return t, nil
}

// Envelope is the unit of exchange. Data holds the model serialized on its
// own so each type can evolve independently.
type Envelope struct {
	Type MessageType `json:"type"`
	Data []byte      `json:"data"`
}

// Wrap serializes model and tags it with t. A model the receiving side
// would reject for t is an EncodingError, so nothing undecodable is sent.
func Wrap(t MessageType, model any) (Envelope, error) {
	if !t.Valid() {
		return Envelope{}, &EncodingError{Type: t, Err: fmt.Errorf("unknown message type %q", t)}
	}
	data, err := json.Marshal(model)
	if err != nil {
		return Envelope{}, &EncodingError{Type: t, Err: err}
	}
	env := Envelope{Type: t, Data: data}
	if _, err := decoders[t](env); err != nil {
		var de *DecodingError
		if errors.As(err, &de) {
			err = de.Err
		}
		return Envelope{}, &EncodingError{Type: t, Err: err}
	}
	return env, nil
}

// Marshal produces the final wire bytes for env.
func Marshal(env Envelope) ([]byte, error) {
	if !env.Type.Valid() {
		return nil, &EncodingError{Type: env.Type, Err: fmt.Errorf("unknown message type %q", env.Type)}
	}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, &EncodingError{Type: env.Type, Err: err}
	}
	return b, nil
}

// Encode is Wrap followed by Marshal.
func Encode(t MessageType, model any) ([]byte, error) {
	env, err := Wrap(t, model)
	if err != nil {
		return nil, err
	}
	return Marshal(env)
}

// Decode parses wire bytes into an Envelope. Unknown tags and missing data
// are framing errors.
func Decode(b []byte) (Envelope, error) {
	var raw struct {
		Type *string `json:"type"`
		Data *[]byte `json:"data"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(&raw); err != nil {
		return Envelope{}, &DecodingError{Err: fmt.Errorf("envelope: %w", err)}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Envelope{}, &DecodingError{Err: fmt.Errorf("envelope: trailing data")}
	}
	if raw.Type == nil {
		return Envelope{}, &DecodingError{Err: fmt.Errorf("envelope: missing type")}
	}
	t, err := ParseMessageType(*raw.Type)
	if err != nil {
		return Envelope{}, err
	}
	if raw.Data == nil {
		return Envelope{}, &DecodingError{Type: t, Err: fmt.Errorf("envelope: missing data")}
	}
	return Envelope{Type: t, Data: *raw.Data}, nil
}

type validator interface {
	Validate() error
}

// DecodeAs decodes the envelope data as T. Models with a Validate method
// are validated after decoding.
func DecodeAs[T any](env Envelope) (T, error) {
	var v T
	if err := json.Unmarshal(env.Data, &v); err != nil {
		return v, &DecodingError{Type: env.Type, Err: err}
	}
	if val, ok := any(v).(validator); ok {
		if err := val.Validate(); err != nil {
			return v, &DecodingError{Type: env.Type, Err: err}
		}
	}
	return v, nil
}

// Decoder returns a function decoding the data of an envelope tagged t
// into its model type.
func Decoder(t MessageType) (func(Envelope) (any, error), bool) {
	d, ok := decoders[t]
	return d, ok
}

func typed[T any](env Envelope) (any, error) {
	return DecodeAs[T](env)
}

var decoders = map[MessageType]func(Envelope) (any, error){
	TypeMobilityProfile:   typed[types.MobilityProfile],
	TypeMenuData:          typed[types.MenuData],
	TypeAlertMessage:      typed[types.AlertMessage],
	TypeNavigationRequest: typed[types.NavigationHelpRequest],
	TypeNavigationData:    typed[types.NavigationDataPayload],
	TypeDrawPath:          typed[types.Path],
	TypeOrder:             typed[types.Order],
}
