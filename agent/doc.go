/*
Package agent provides a client and server for running interactive shell
commands on a remote host, streaming stdin (client->server) and drained
stdout & stderr (server->client). It uses WebSockets for bidi messaging so it
only requires an HTTPS server, and mTLS for both traffic encryption and
authz.

Sessions are scoped to the WebSocket connection: if the connection dies for
any reason, the shell is force-terminated. The protocol proceeds as follows:

 1. The client opens a WebSocket connection with the server.
 2. The client sends a request message containing the Command field.
 3. The server answers with a response message carrying the session ID and
    pid, or an Error if the spawn failed.
 4. The client sends request messages with stdin bytes or a force-exit flag
    while the server pushes response messages with stdout and stderr chunks
    as its pump drains the shell's buffers.
 5. When the child exits, the server sends a response message with
    Exited=true and the ExitCode, and the client initiates the close.

The schema for these messages is described in types.go.

For callers that don't need streaming, POST /run takes a command plus an
optional stdin buffer and returns all of stdout and stderr with the exit code
in a single JSON response. This is much easier to curl and write simple
clients against.
*/
package agent
