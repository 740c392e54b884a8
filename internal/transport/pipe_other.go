//go:build !windows

package transport

import (
	"context"
	"net"

	"podlink/cli/internal/model"
)

func dialPipe(context.Context, string) (net.Conn, error) {
	return nil, model.NewError(model.CodeTransportResolve, "named pipes are only available on windows", nil)
}

func listenPipe(string) (net.Listener, error) {
	return nil, model.NewError(model.CodeTransportResolve, "named pipes are only available on windows", nil)
}
