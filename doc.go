// Package nodesync is the client side of a local-first node sync engine.
//
// A Client keeps a replica of one workspace in a local bbolt file. Writes go
// through the Outbox, which applies them locally and queues the matching
// mutation in one transaction. While the server is reachable, the client
// drains the outbox to the server and pulls every change stream of the
// workspace back into the replica.
//
//	c, err := nodesync.Open(nodesync.Config{
//		ServerURL: "http://localhost:7700",
//		Token:     token,
//		DataPath:  "replica.db",
//		Identity:  identity,
//	})
//	if err != nil {
//		return err
//	}
//	defer c.Close(context.Background())
//
//	go c.Run(ctx)
//	space, err := c.Outbox().CreateNode(models.NodeTypeSpace, nil, map[string]any{"name": "Home"})
package nodesync
