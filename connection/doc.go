/*
Package connection implements a bidirectional promise-style RPC protocol over a port.

Each side of a Connection exposes a local surface of named methods, and can invoke methods on the remote's surface.
Invocations never block. They return a *future.Future that settles when the remote replies.

The protocol has four frame types, each a flat JSON-representable record tagged with "_pc":

  - connect: the handshake request, always using the reserved correlation id "connect".
  - invoke: calls the named method with a list of serialized arguments.
  - resolve: a successful reply carrying one serialized value.
  - reject: a failed reply carrying one serialized error.

The handshake proceeds as follows:

 1. One side (or both) sends a connect frame. Calling Connect again while that frame is unanswered retransmits it.
 2. A side that receives connect while its own handshake is in progress treats the peer's attempt as proof of liveness and becomes connected.
    A side that had not started yet starts its own handshake first.
 3. The receiver replies resolve once it is connected itself.
 4. A side that receives resolve for its connect frame becomes connected.

Every inbound connect or invoke yields exactly one resolve or reject frame with the same correlation id.
Replies for unknown ids are dropped, as are frames without the protocol tag or with a mismatched shared-secret key.

There are no timeouts. A peer that never answers leaves the corresponding future pending until the Connection is closed.
*/
package connection
