package remote

// LogOn is the login request.
type LogOn struct {
	Nickname string `json:"nickname"`
}

// LogOnRes is the login outcome. A rejected login is a successful call with
// Success set to false.
type LogOnRes struct {
	Success bool   `json:"success"`
	Msg     string `json:"msg"`
}

// User is one online session as reported by the server.
type User struct {
	Nickname  string `json:"nickname"`
	SessionID int64  `json:"sessionid"`
}

type TalkArgs struct {
	Msg string `json:"msg"`
}

type ToArgs struct {
	Target string `json:"target"`
	Msg    string `json:"msg"`
}

type PingArgs struct {
	Target string `json:"target"`
	Time   int64  `json:"time"`
}

// Verify is the handshake sent on every (re)connect. SessionID is zero on
// the first connect and the previously assigned id afterwards.
type Verify struct {
	ServiceName string `json:"service_name"`
	VerifyKey   string `json:"verify_key,omitempty"`
	SessionID   int64  `json:"session_id"`
}

type VerifyRes struct {
	SessionID int64 `json:"session_id"`
}

// ChatMessage is pushed by the server when someone talks. Target is empty
// for broadcasts.
type ChatMessage struct {
	From   string `json:"from"`
	Target string `json:"target,omitempty"`
	Msg    string `json:"msg"`
}
