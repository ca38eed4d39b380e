package payload

import "fmt"

// EncodingError means a model could not be serialized. Nothing is sent.
type EncodingError struct {
	Type MessageType
	Err  error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("payload: encode %s: %v", e.Type, e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }

// DecodingError means received bytes are not a valid envelope or do not
// match the schema of their tag.
type DecodingError struct {
	Type MessageType
	Err  error
}

func (e *DecodingError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("payload: decode: %v", e.Err)
	}
	return fmt.Sprintf("payload: decode %s: %v", e.Type, e.Err)
}

func (e *DecodingError) Unwrap() error { return e.Err }
