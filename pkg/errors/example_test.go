package errors_test

import (
	"fmt"
	"io"

	"github.com/ajitpratap0/nebula-pdk/pkg/errors"
)

// Example demonstrates basic error creation with plugin context.
func Example() {
	err := errors.New(errors.ErrorTypeCapabilityMissing, "capability batch_read is not registered").
		WithDetail("plugin_id", "mysql").
		WithDetail("operation", "batch_read")

	fmt.Println(err.Error())

	// Output:
	// capability_missing: capability batch_read is not registered
}

// ExampleWrap shows how plugin failures keep their cause.
func ExampleWrap() {
	err := errors.Wrap(io.EOF, errors.ErrorTypeBatchRead, "batch read failed").
		WithDetail("node_id", "source-1")

	if errors.IsType(err, errors.ErrorTypeBatchRead) {
		fmt.Println("batch read error")
	}
	if errors.Is(err, io.EOF) {
		fmt.Println("caused by EOF")
	}

	// Output:
	// batch read error
	// caused by EOF
}

// ExampleIsRetryable shows which plugin errors the monitor may retry.
func ExampleIsRetryable() {
	stream := errors.New(errors.ErrorTypeStreamConnect, "replication connection dropped")
	batch := errors.New(errors.ErrorTypeBatchRead, "cursor closed")

	fmt.Println(errors.IsRetryable(stream))
	fmt.Println(errors.IsRetryable(batch))

	// Output:
	// true
	// false
}
