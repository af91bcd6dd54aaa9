package dataiface

import "errors"

// errTransport is the canned failure StaticFacade returns when a test has
// armed FailNext for a method, standing in for a real gRPC transport error.
var errTransport = errors.New("dataiface: simulated transport failure")

var _ Facade = (*StaticFacade)(nil)
