package worker

// H is a loose JSON object, used for notification payloads and small accepts.
type H map[string]interface{}
