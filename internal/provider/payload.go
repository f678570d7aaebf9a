// ABOUTME: WhatsApp Cloud API wire types for outbound sends and inbound webhook deliveries
// ABOUTME: Constructors build the three outbound shapes the gateway uses: text, image and document

package provider

// MessagingProduct is the fixed product tag on every Cloud API request.
const MessagingProduct = "whatsapp"

// OutboundMessage is the body of POST /{phone-number-id}/messages.
type OutboundMessage struct {
	MessagingProduct string     `json:"messaging_product"`
	To               string     `json:"to"`
	Type             string     `json:"type"`
	Text             *TextBody  `json:"text,omitempty"`
	Image            *MediaLink `json:"image,omitempty"`
	Document         *MediaLink `json:"document,omitempty"`
}

// TextBody carries a text message.
type TextBody struct {
	Body string `json:"body"`
}

// MediaLink points the provider at a publicly reachable file.
type MediaLink struct {
	Link     string `json:"link"`
	Filename string `json:"filename,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// NewTextMessage builds a text send.
func NewTextMessage(to, body string) OutboundMessage {
	return OutboundMessage{
		MessagingProduct: MessagingProduct,
		To:               to,
		Type:             "text",
		Text:             &TextBody{Body: body},
	}
}

// NewImageMessage builds an image send.
func NewImageMessage(to, link, caption string) OutboundMessage {
	return OutboundMessage{
		MessagingProduct: MessagingProduct,
		To:               to,
		Type:             "image",
		Image:            &MediaLink{Link: link, Caption: caption},
	}
}

// NewDocumentMessage builds a document send; filename is what the recipient sees.
func NewDocumentMessage(to, link, filename, caption string) OutboundMessage {
	return OutboundMessage{
		MessagingProduct: MessagingProduct,
		To:               to,
		Type:             "document",
		Document:         &MediaLink{Link: link, Filename: filename, Caption: caption},
	}
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// MediaInfo is the response of GET /{media-id}.
type MediaInfo struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	SHA256   string `json:"sha256"`
	FileSize int64  `json:"file_size"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// WebhookPayload is the body of a webhook delivery.
type WebhookPayload struct {
	Object string         `json:"object"`
	Entry  []WebhookEntry `json:"entry"`
}

// WebhookEntry groups the changes for one business account.
type WebhookEntry struct {
	ID      string          `json:"id"`
	Changes []WebhookChange `json:"changes"`
}

// WebhookChange is one notification; only Field == "messages" carries messages.
type WebhookChange struct {
	Field string       `json:"field"`
	Value WebhookValue `json:"value"`
}

// WebhookValue holds the delivered messages and their metadata.
type WebhookValue struct {
	MessagingProduct string           `json:"messaging_product"`
	Metadata         WebhookMetadata  `json:"metadata"`
	Contacts         []WebhookContact `json:"contacts"`
	Messages         []InboundMessage `json:"messages"`
}

// WebhookMetadata identifies the receiving business number.
type WebhookMetadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

// WebhookContact is the sender's profile.
type WebhookContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

// InboundMessage is one message sent by a contact.
type InboundMessage struct {
	From      string        `json:"from"`
	ID        string        `json:"id"`
	Timestamp string        `json:"timestamp"`
	Type      string        `json:"type"`
	Text      *TextBody     `json:"text,omitempty"`
	Image     *InboundMedia `json:"image,omitempty"`
	Document  *InboundMedia `json:"document,omitempty"`
	Audio     *InboundMedia `json:"audio,omitempty"`
	Video     *InboundMedia `json:"video,omitempty"`
}

// Media returns the media object matching Type, or nil for non-media types.
func (m *InboundMessage) Media() *InboundMedia {
	switch m.Type {
	case "image":
		return m.Image
	case "document":
		return m.Document
	case "audio":
		return m.Audio
	case "video":
		return m.Video
	}
	return nil
}

// InboundMedia references provider-held media by id.
type InboundMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	SHA256   string `json:"sha256,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}
