package main

// Recorder callbacks copy what they are given into static storage, so the
// exports can be driven from Go the way a C caller drives them. Callbacks
// that arrive on worker threads publish with an atomic flag.

/*
#include <stdlib.h>
#include <string.h>
#include "msgclient.h"

#define REC_TEXT 128
#define REC_USERS 16

static int login_calls;
static uint8_t login_flag;
static bool login_ret;
static char login_msg[REC_TEXT];

static bool record_login(uint8_t success, const char* msg) {
	login_calls++;
	login_flag = success;
	strncpy(login_msg, msg, REC_TEXT - 1);
	return login_ret;
}

static msg_login_cb login_recorder(bool ret) {
	login_calls = 0;
	login_flag = 0xff;
	login_ret = ret;
	login_msg[0] = 0;
	return record_login;
}

static int login_calls_get(void) { return login_calls; }
static uint8_t login_flag_get(void) { return login_flag; }
static const char* login_msg_get(void) { return login_msg; }

static int users_calls;
static size_t users_len;
static char users_names[REC_USERS][REC_TEXT];
static int64_t users_ids[REC_USERS];

static void record_users(msg_user_slice s) {
	users_calls++;
	users_len = s.len;
	for (size_t i = 0; i < s.len && i < REC_USERS; i++) {
		strncpy(users_names[i], s.ptr[i].nickname, REC_TEXT - 1);
		users_ids[i] = s.ptr[i].session_id;
	}
}

static msg_get_users_cb users_recorder(void) {
	users_calls = 0;
	users_len = 0;
	memset(users_names, 0, sizeof(users_names));
	return record_users;
}

static int users_calls_get(void) { return users_calls; }
static size_t users_len_get(void) { return users_len; }
static const char* users_name_get(size_t i) { return users_names[i]; }
static int64_t users_id_get(size_t i) { return users_ids[i]; }

static int ping_done;
static char ping_target[REC_TEXT];
static int64_t ping_time;

static void record_ping(const char* target, int64_t time) {
	strncpy(ping_target, target, REC_TEXT - 1);
	ping_time = time;
	__atomic_store_n(&ping_done, 1, __ATOMIC_RELEASE);
}

static msg_ping_cb ping_recorder(void) {
	__atomic_store_n(&ping_done, 0, __ATOMIC_RELEASE);
	ping_target[0] = 0;
	return record_ping;
}

static int ping_done_get(void) { return __atomic_load_n(&ping_done, __ATOMIC_ACQUIRE); }
static const char* ping_target_get(void) { return ping_target; }
static int64_t ping_time_get(void) { return ping_time; }

static int message_done;
static char message_from[REC_TEXT];
static char message_text[REC_TEXT];

static void record_message(const char* from, const char* msg) {
	if (__atomic_load_n(&message_done, __ATOMIC_ACQUIRE)) {
		return;
	}
	strncpy(message_from, from, REC_TEXT - 1);
	strncpy(message_text, msg, REC_TEXT - 1);
	__atomic_store_n(&message_done, 1, __ATOMIC_RELEASE);
}

static msg_message_cb message_recorder(void) {
	__atomic_store_n(&message_done, 0, __ATOMIC_RELEASE);
	return record_message;
}

static int message_done_get(void) { return __atomic_load_n(&message_done, __ATOMIC_ACQUIRE); }
static const char* message_from_get(void) { return message_from; }
static const char* message_text_get(void) { return message_text; }
*/
import "C"

import (
	"unsafe"

	"msg-gateway/remote"
)

const recUsers = 16

// handle lets code without cgo name a gateway handle.
type handle = C.uintptr_t

// cString allocates s in C memory; release it with freeC.
func cString(s string) *C.char { return C.CString(s) }

func freeC(p *C.char) { C.free(unsafe.Pointer(p)) }

// openGateway calls msg_new_by_config the way a C caller does.
func openGateway(config string) (handle, C.msg_error) {
	p := cString(config)
	defer freeC(p)
	var h handle
	code := msg_new_by_config(p, &h)
	return h, code
}

type loginRecord struct {
	calls int
	flag  uint8
	msg   string
}

func loginRecorder(ret bool) C.msg_login_cb { return C.login_recorder(C.bool(ret)) }

func lastLogin() loginRecord {
	return loginRecord{
		calls: int(C.login_calls_get()),
		flag:  uint8(C.login_flag_get()),
		msg:   C.GoString(C.login_msg_get()),
	}
}

func usersRecorder() C.msg_get_users_cb { return C.users_recorder() }

// lastUsers returns how often the callback ran and what it saw last.
func lastUsers() (int, []remote.User) {
	n := int(C.users_len_get())
	users := make([]remote.User, 0, n)
	for i := range min(n, recUsers) {
		users = append(users, remote.User{
			Nickname:  C.GoString(C.users_name_get(C.size_t(i))),
			SessionID: int64(C.users_id_get(C.size_t(i))),
		})
	}
	return int(C.users_calls_get()), users
}

func pingRecorder() C.msg_ping_cb { return C.ping_recorder() }

func lastPing() (target string, at int64, ok bool) {
	if C.ping_done_get() == 0 {
		return "", 0, false
	}
	return C.GoString(C.ping_target_get()), int64(C.ping_time_get()), true
}

func messageRecorder() C.msg_message_cb { return C.message_recorder() }

func lastMessage() (from, msg string, ok bool) {
	if C.message_done_get() == 0 {
		return "", "", false
	}
	return C.GoString(C.message_from_get()), C.GoString(C.message_text_get()), true
}
