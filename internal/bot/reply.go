package bot

// Colors used by replies.
const (
	ColorPrimary = 0x4C5FD5
	ColorBlue    = 0x3498DB
	ColorOrange  = 0xE67E22
	ColorRed     = 0xE74C3C
	ColorGreen   = 0x2ECC71
)

type ButtonStyle int

const (
	ButtonPrimary ButtonStyle = iota + 1
	ButtonSecondary
	ButtonSuccess
	ButtonDanger
	ButtonLink
)

// Button is either a link (URL set) or an interactive button (CustomID set).
type Button struct {
	Label    string
	Style    ButtonStyle
	CustomID string
	URL      string
}

type Field struct {
	Name   string
	Value  string
	Inline bool
}

type Embed struct {
	Title       string
	Description string
	URL         string
	Color       int
	ImageURL    string
	Footer      string
	Fields      []Field
}

// File is an attachment; embeds refer to it as attachment://<Name>.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

type TextInput struct {
	CustomID  string
	Label     string
	MaxLength int
	Required  bool
}

// Modal asks the user for input instead of posting a message.
type Modal struct {
	CustomID string
	Title    string
	Inputs   []TextInput
}

// Reply is a platform-neutral chat message.
type Reply struct {
	Content   string
	Embeds    []Embed
	Rows      [][]Button
	Files     []File
	Ephemeral bool
	Modal     *Modal
}

func textReply(content string) *Reply {
	return &Reply{Content: content, Ephemeral: true}
}

func embedReply(e Embed) *Reply {
	if e.Color == 0 {
		e.Color = ColorPrimary
	}
	return &Reply{Embeds: []Embed{e}, Ephemeral: true}
}

func connectButtonRow() []Button {
	return []Button{{Label: "Connect", Style: ButtonPrimary, CustomID: ButtonConnect}}
}

func notConnectedReply() *Reply {
	r := textReply("Not connected")
	r.Rows = [][]Button{connectButtonRow()}
	return r
}
