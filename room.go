package chatsync

import "strings"

// RoomSeparator joins the two participant ids of a room id.
const RoomSeparator = "-"

// RoomID returns the conversation id shared by a and b.
//
// The result does not depend on argument order. Ids are compared as strings,
// byte by byte, so numeric ids order lexicographically ("10" before "9").
func RoomID(a, b string) string {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if b < a {
		a, b = b, a
	}
	return a + RoomSeparator + b
}
