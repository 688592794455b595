// Package broker fans protocol events out over named channels so that other
// server instances and workers observe the same stream a socket does.
//
// A Bus owns the handler registry and speaks to a Transport. Each channel
// gets exactly one transport connection, opened when its first handler
// subscribes and closed when the last one leaves; the connection is shared
// by every event type on that channel and is pinged on a heartbeat while it
// is open. Incoming payloads are parsed once and handed to every handler
// registered for (channel, type).
//
// Transports:
//   - Local: in-process, for single node deployments and tests
//   - NATS: core NATS subjects
//   - Redis: Redis PUBLISH/SUBSCRIBE
//
// Example usage:
//
//	bus := broker.New(broker.Redis(rdb))
//	defer bus.Close()
//
//	unsubscribe, err := bus.Subscribe(ctx, "chat-global", events.TypeTyping, func(msg broker.Message) {
//	    log.Println(msg.Event.(events.Typing).UserID)
//	})
//	if err != nil {
//	    return err
//	}
//	defer unsubscribe()
//
//	err = bus.Publish(ctx, "chat-global", events.TypeTyping, events.Typing{UserID: "u1"})
package broker
