package erpc

import (
	"context"
	"reflect"
)

// Service is a client stub. Exported fields of type
// func(context.Context, *In) (*Out, error) are filled by Client.InitService.
type Service interface {
	Name() string
}

// CallState is the progress of one call through the pipeline.
type CallState uint8

const (
	CallCreated CallState = iota
	CallEndpointResolved
	CallSent
	CallCompleted
	CallFailed
)

func (s CallState) String() string {
	switch s {
	case CallCreated:
		return "created"
	case CallEndpointResolved:
		return "endpoint_resolved"
	case CallSent:
		return "sent"
	case CallCompleted:
		return "completed"
	case CallFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)
