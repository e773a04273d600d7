package gateway

import (
	"fmt"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"msg-gateway/remote"
)

// Callback and record shapes as seen from C. They are part of the surface:
// changing one changes APIVersion.
var boundaryShapes = []string{
	"callback login bool(uint8_t success, const char* msg)",
	"callback get_users void(msg_user_slice users)",
	"callback ping void(const char* target, int64_t time)",
	"callback on_message void(const char* from, const char* msg)",
	"record msg_user {const char* nickname; int64_t session_id}",
	"record msg_user_slice {const msg_user* ptr; size_t len}",
	"enum msg_error {ok=0, null_passed=1, panic=2, wrapped_error=3, not_connected=4}",
}

// Surface describes everything a foreign binding depends on, one item per
// line: each remote operation with its tag, the push tag, and the boundary
// shapes.
func Surface() string {
	var b strings.Builder
	for _, op := range remote.Ops() {
		fmt.Fprintf(&b, "op %d %s\n", op.Tag, op.Signature)
	}
	fmt.Fprintf(&b, "push %d message(from string, target string, msg string)\n", remote.TagMessage)
	for _, s := range boundaryShapes {
		b.WriteString(s)
		b.WriteByte('\n')
	}
	return b.String()
}

var apiVersion = sync.OnceValue(func() uint64 {
	return xxhash.Sum64String(Surface())
})

// APIVersion fingerprints Surface. A binding compares it with the value it
// was generated against and refuses to load on mismatch.
func APIVersion() uint64 { return apiVersion() }
