package project

import (
	"context"

	"github.com/superpowers/superpowers-core-sub000/pkg/protocol"
)

// Serve attaches conn to the project until the connection ends or ctx is
// cancelled, then releases everything the client held.
func (p *Project) Serve(ctx context.Context, conn *protocol.Conn) error {
	c := p.Connect(conn)
	defer c.Disconnect()
	return conn.Run(ctx, c.Receive)
}
