package chatsync

// Log field names.
const (
	FieldComponent = "component"
	FieldRoomID    = "room_id"
	FieldTempID    = "temp_id"
	FieldMessageID = "message_id"
	FieldSenderID  = "sender_id"
	FieldState     = "state"
	FieldDelay     = "delay"
	FieldEvent     = "event"
	FieldResult    = "result"
	FieldCount     = "count"
)
