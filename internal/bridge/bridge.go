// Package bridge couples SSH channels to the browser WebSocket: PTY shells,
// SFTP file operations, direct-tcpip tunnels, Docker-over-SSH control and
// host stats probes.
package bridge

// Emitter delivers typed events to the browser. Implementations serialize
// writes to the WebSocket; bridge goroutines call it concurrently.
type Emitter func(event string, data map[string]any)

// MaxInputMessageSize is the maximum size in bytes for a single terminal
// input message. Larger messages are rejected to prevent abuse.
const MaxInputMessageSize = 64 * 1024 // 64 KB

// MaxResizeCols and MaxResizeRows bound terminal resize requests.
const (
	MaxResizeCols uint16 = 500
	MaxResizeRows uint16 = 500
)
