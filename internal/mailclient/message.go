// Package mailclient holds the types shared by the backend protocol clients.
package mailclient

// Message is one fetched candidate
type Message struct {
	ID         string // Backend message reference (Gmail id, IMAP UID)
	From       string
	Date       string // Date header as sent, or the backend's arrival time
	Attachment *Attachment
}

// Attachment is the first document attached to a message
type Attachment struct {
	Name string
	Data []byte
}

// Ref identifies the attachment across requests
func (m *Message) Ref() string {
	if m.Attachment == nil {
		return m.ID
	}
	return m.ID + "/" + m.Attachment.Name
}
