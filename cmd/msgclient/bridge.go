package main

// Go cannot call a C function pointer directly; these trampolines do it.
// They live apart from the exports because a file with //export may only
// declare C functions in its preamble.

/*
#include "msgclient.h"

bool call_login_cb(msg_login_cb cb, uint8_t success, const char* msg) {
	return cb(success, msg);
}

void call_get_users_cb(msg_get_users_cb cb, msg_user_slice users) {
	cb(users);
}

void call_ping_cb(msg_ping_cb cb, const char* target, int64_t time) {
	cb(target, time);
}

void call_message_cb(msg_message_cb cb, const char* from, const char* msg) {
	cb(from, msg);
}
*/
import "C"
