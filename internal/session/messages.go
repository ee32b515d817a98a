package session

import (
	"encoding/json"
	"fmt"
)

// Envelope is the wire shape of every browser message: a required type plus
// a type-specific payload.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Inbound message types.
const (
	MsgConnect           = "connectToHost"
	MsgInput             = "input"
	MsgResize            = "resize"
	MsgDisconnect        = "disconnect"
	MsgPing              = "ping"
	MsgTOTPResponse      = "totp_response"
	MsgPasswordResponse  = "password_response"
	MsgWarpgateContinue  = "warpgate_auth_continue"
	MsgReconnectWithCred = "reconnect_with_credentials"
	MsgOPKStartAuth      = "opkssh_start_auth"
	MsgOPKCancel         = "opkssh_cancel"
	MsgOPKBrowserOpened  = "opkssh_browser_opened"
	MsgOPKAuthCompleted  = "opkssh_auth_completed"

	MsgTunnelOpen = "open"

	MsgFileList   = "file_list"
	MsgFileStat   = "file_stat"
	MsgFileRead   = "file_read"
	MsgFileWrite  = "file_write"
	MsgFileMkdir  = "file_mkdir"
	MsgFileMove   = "file_move"
	MsgFileRemove = "file_remove"
	MsgFileChmod  = "file_chmod"
	MsgFileChown  = "file_chown"

	MsgStatsRequest     = "stats_request"
	MsgDockerInfo       = "docker_info"
	MsgDockerContainers = "docker_containers"
)

// ConnectData starts a session against a stored host.
type ConnectData struct {
	HostID uint `json:"hostId"`
	Cols   int  `json:"cols,omitempty"`
	Rows   int  `json:"rows,omitempty"`
	// Tunnel sessions carry the forwarding target in the connect message.
	LocalPort  int    `json:"localPort,omitempty"`
	RemoteHost string `json:"remoteHost,omitempty"`
	RemotePort int    `json:"remotePort,omitempty"`
}

// InputData carries terminal keystrokes.
type InputData struct {
	Data string `json:"data"`
}

// ResizeData changes the PTY dimensions.
type ResizeData struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// PromptResponse answers an outstanding authentication prompt.
type PromptResponse struct {
	Code     string `json:"code,omitempty"`
	Password string `json:"password,omitempty"`
}

// Answer returns whichever field the browser populated.
func (p PromptResponse) Answer() string {
	if p.Code != "" {
		return p.Code
	}
	return p.Password
}

// ReconnectData supplies fresh credentials after auth_method_not_available.
type ReconnectData struct {
	Password      string `json:"password,omitempty"`
	PrivateKey    string `json:"privateKey,omitempty"`
	KeyPassphrase string `json:"keyPassphrase,omitempty"`
}

// OPKStartData begins the OpenPubKey login flow for a host.
type OPKStartData struct {
	HostID uint `json:"hostId"`
}

// OPKRequestData addresses an in-flight OPK login.
type OPKRequestData struct {
	RequestID string `json:"requestId"`
}

// TunnelOpenData opens a forwarding listener on an established session.
type TunnelOpenData struct {
	LocalPort  int    `json:"localPort"`
	RemoteHost string `json:"remoteHost"`
	RemotePort int    `json:"remotePort"`
}

// FileOpData covers the file-manager operations; unused fields stay empty.
type FileOpData struct {
	Path    string `json:"path,omitempty"`
	NewPath string `json:"newPath,omitempty"`
	// Data is base64 for file_write.
	Data string `json:"data,omitempty"`
	Mode string `json:"mode,omitempty"`
	UID  int    `json:"uid,omitempty"`
	GID  int    `json:"gid,omitempty"`
}

// ParseEnvelope validates the outer shape of a browser message.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("message missing type field")
	}
	return &env, nil
}

// decode unmarshals the payload into out; a missing payload decodes to the
// zero value.
func (e *Envelope) decode(out any) error {
	if len(e.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Data, out); err != nil {
		return fmt.Errorf("malformed %s payload: %w", e.Type, err)
	}
	return nil
}
