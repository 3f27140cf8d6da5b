/*
Package port defines the message port contract that connections run over, along with a few implementations.

A port is one end of a two-way asynchronous message channel. It has a send operation and a single receive handler slot.
Values sent on one end are delivered to the other end's handler asynchronously and in send order. Until a handler is set,
deliveries are held, so a receiver that attaches late does not miss anything.

Implementations:

  - Pipe: an in-memory linked pair. Values are handed over as-is, with no copying or encoding.
  - Stream: newline-delimited JSON over any net.Conn. NewSocketPair links two Streams over a unix socketpair.
  - WebSocket: JSON messages over a WebSocket connection.

The redisport subpackage carries messages over Redis pub/sub channels.

Ports that cross a process boundary deliver json.RawMessage values, and decoding them is left to the receiver.
*/
package port
