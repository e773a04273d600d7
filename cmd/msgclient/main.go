// Command msgclient is built with -buildmode=c-shared and exposes a Gateway
// to C, C# and Python callers.
//
// Every export returns a msg_error code (or a bool for msg_login) and never
// lets a panic cross into the caller. Text arguments must be NUL-terminated
// ASCII. Text and records passed to callbacks are freed when the callback
// returns; callers copy what they keep. msg_ping and msg_on_message
// callbacks run on threads the caller does not own.
//
//	uintptr_t gw;
//	if (msg_api_guard() != EXPECTED_API) abort();
//	msg_new_by_config("{\"addr\":\"127.0.0.1:9000\"}", &gw);
//	msg_init(gw);
//	msg_login(gw, "alice", on_login);
//	...
//	msg_destroy(gw);
package main

/*
#include <stdlib.h>
#include <string.h>
#include "msgclient.h"
*/
import "C"

import (
	"context"
	"runtime/cgo"
	"unsafe"

	"go.uber.org/zap"

	"msg-gateway/ffi"
	"msg-gateway/gateway"
)

func main() {}

func code(c ffi.ErrorCode) C.msg_error { return C.msg_error(c) }

// goText copies a caller-owned C string, terminator included, through
// ffi.ReadASCII.
func goText(p *C.char) (string, error) {
	if p == nil {
		return ffi.ReadASCII(nil)
	}
	view := unsafe.Slice((*byte)(unsafe.Pointer(p)), C.strlen(p)+1)
	return ffi.ReadASCII(view)
}

// cText copies a terminated view into C memory. The caller frees it.
func cText(a ffi.ASCII) *C.char {
	return (*C.char)(C.CBytes(a))
}

func lookup(h C.uintptr_t) (*gateway.Gateway, error) {
	if h == 0 {
		return nil, ffi.ErrNullPassed
	}
	return cgo.Handle(h).Value().(*gateway.Gateway), nil
}

// logFor returns the gateway's logger, or the global one before a gateway
// exists.
func logFor(h C.uintptr_t) *zap.Logger {
	if h == 0 {
		return zap.L()
	}
	var log *zap.Logger
	ffi.Guard(zap.L(), "lookup", func() error {
		log = cgo.Handle(h).Value().(*gateway.Gateway).Logger()
		return nil
	})
	if log == nil {
		return zap.L()
	}
	return log
}

//export msg_api_guard
func msg_api_guard() C.uint64_t {
	return C.uint64_t(gateway.APIVersion())
}

//export msg_new_by_config
func msg_new_by_config(config *C.char, out *C.uintptr_t) C.msg_error {
	return code(ffi.Guard(zap.L(), "new_by_config", func() error {
		if out == nil {
			return ffi.ErrNullPassed
		}
		text, err := goText(config)
		if err != nil {
			return err
		}
		g, err := gateway.New(text)
		if err != nil {
			return err
		}
		*out = C.uintptr_t(cgo.NewHandle(g))
		return nil
	}))
}

// msg_destroy must be called once, after every other call on h returned.
//
//export msg_destroy
func msg_destroy(h C.uintptr_t) C.msg_error {
	return code(ffi.Guard(logFor(h), "destroy", func() error {
		g, err := lookup(h)
		if err != nil {
			return err
		}
		cgo.Handle(h).Delete()
		return g.Close()
	}))
}

//export msg_init
func msg_init(h C.uintptr_t) C.msg_error {
	return code(ffi.Guard(logFor(h), "init", func() error {
		g, err := lookup(h)
		if err != nil {
			return err
		}
		return g.Init(context.Background())
	}))
}

//export msg_connect_test
func msg_connect_test(h C.uintptr_t) C.msg_error {
	return code(ffi.Guard(logFor(h), "connect_test", func() error {
		g, err := lookup(h)
		if err != nil {
			return err
		}
		return g.ConnectTest(context.Background())
	}))
}

//export msg_login
func msg_login(h C.uintptr_t, name *C.char, cb C.msg_login_cb) C.bool {
	ok := ffi.GuardBool(logFor(h), "login", func() (bool, error) {
		g, err := lookup(h)
		if err != nil {
			return false, err
		}
		nickname, err := goText(name)
		if err != nil {
			return false, err
		}
		if cb == nil {
			return false, ffi.ErrNullPassed
		}
		return g.Login(context.Background(), nickname, func(success bool, msg ffi.ASCII) bool {
			cmsg := cText(msg)
			defer C.free(unsafe.Pointer(cmsg))
			var flag C.uint8_t
			if success {
				flag = 1
			}
			return bool(C.call_login_cb(cb, flag, cmsg))
		}), nil
	})
	return C.bool(ok)
}

//export msg_get_users
func msg_get_users(h C.uintptr_t, cb C.msg_get_users_cb) C.msg_error {
	return code(ffi.Guard(logFor(h), "get_users", func() error {
		g, err := lookup(h)
		if err != nil {
			return err
		}
		if cb == nil {
			return ffi.ErrNullPassed
		}
		return g.GetUsers(context.Background(), func(users *ffi.UserSlice) {
			view, free := cUserSlice(users)
			defer free()
			C.call_get_users_cb(cb, view)
		})
	}))
}

// cUserSlice lays users out in C memory: one record array and one buffer
// holding every name. Both are released by free.
func cUserSlice(users *ffi.UserSlice) (C.msg_user_slice, func()) {
	n := users.Len()
	if n == 0 {
		return C.msg_user_slice{}, func() {}
	}
	backing := C.CBytes(users.Backing())
	recs := (*C.msg_user)(C.malloc(C.size_t(n) * C.size_t(unsafe.Sizeof(C.msg_user{}))))
	for i, r := range users.Records() {
		rec := (*C.msg_user)(unsafe.Add(unsafe.Pointer(recs), i*int(unsafe.Sizeof(C.msg_user{}))))
		rec.nickname = (*C.char)(unsafe.Add(backing, r.NameOff))
		rec.session_id = C.int64_t(r.SessionID)
	}
	view := C.msg_user_slice{ptr: recs, len: C.size_t(n)}
	return view, func() {
		C.free(unsafe.Pointer(recs))
		C.free(backing)
	}
}

//export msg_talk
func msg_talk(h C.uintptr_t, text *C.char) C.msg_error {
	return code(ffi.Guard(logFor(h), "talk", func() error {
		g, err := lookup(h)
		if err != nil {
			return err
		}
		msg, err := goText(text)
		if err != nil {
			return err
		}
		return g.Talk(context.Background(), msg)
	}))
}

//export msg_to
func msg_to(h C.uintptr_t, target, text *C.char) C.msg_error {
	return code(ffi.Guard(logFor(h), "to", func() error {
		g, err := lookup(h)
		if err != nil {
			return err
		}
		to, err := goText(target)
		if err != nil {
			return err
		}
		msg, err := goText(text)
		if err != nil {
			return err
		}
		return g.To(context.Background(), to, msg)
	}))
}

// msg_ping returns once the call is scheduled. cb runs later on a worker
// thread, and not at all if the call fails.
//
//export msg_ping
func msg_ping(h C.uintptr_t, target *C.char, at C.int64_t, cb C.msg_ping_cb) C.msg_error {
	return code(ffi.Guard(logFor(h), "ping", func() error {
		g, err := lookup(h)
		if err != nil {
			return err
		}
		to, err := goText(target)
		if err != nil {
			return err
		}
		if cb == nil {
			return ffi.ErrNullPassed
		}
		return g.Ping(to, int64(at), func(target ffi.ASCII, echoed int64) {
			ctarget := cText(target)
			defer C.free(unsafe.Pointer(ctarget))
			C.call_ping_cb(cb, ctarget, C.int64_t(echoed))
		})
	}))
}

// msg_on_message installs cb for chat messages pushed by the server. A NULL
// cb stops delivery.
//
//export msg_on_message
func msg_on_message(h C.uintptr_t, cb C.msg_message_cb) C.msg_error {
	return code(ffi.Guard(logFor(h), "on_message", func() error {
		g, err := lookup(h)
		if err != nil {
			return err
		}
		if cb == nil {
			g.OnMessage(nil)
			return nil
		}
		g.OnMessage(func(from, msg ffi.ASCII) {
			cfrom, cmsg := cText(from), cText(msg)
			defer C.free(unsafe.Pointer(cfrom))
			defer C.free(unsafe.Pointer(cmsg))
			C.call_message_cb(cb, cfrom, cmsg)
		})
		return nil
	}))
}
