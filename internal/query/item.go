package query

// Action is one way to activate an item.
type Action struct {
	ID   string
	Text string
	Run  func() error
}

// Item is a single result offered to the user.
type Item interface {
	// ID is unique within the producing extension and stable across
	// queries; usage scores are keyed by it.
	ID() string
	Text() string
	Subtext() string
	// InputActionText is what the input line becomes on completion.
	InputActionText() string
	Actions() []Action
}

// StandardItem is a plain Item.
type StandardItem struct {
	ItemID      string
	Title       string
	Sub         string
	Completion  string
	ItemActions []Action
}

// NewItem returns a StandardItem.
func NewItem(id, text, subtext string, actions ...Action) *StandardItem {
	return &StandardItem{ItemID: id, Title: text, Sub: subtext, ItemActions: actions}
}

// ID implements Item.
func (i *StandardItem) ID() string { return i.ItemID }

// Text implements Item.
func (i *StandardItem) Text() string { return i.Title }

// Subtext implements Item.
func (i *StandardItem) Subtext() string { return i.Sub }

// InputActionText implements Item. It defaults to the title.
func (i *StandardItem) InputActionText() string {
	if i.Completion != "" {
		return i.Completion
	}
	return i.Title
}

// Actions implements Item.
func (i *StandardItem) Actions() []Action { return i.ItemActions }

// RankItem is an item with the relevance a global handler assigned to it.
type RankItem struct {
	Item      Item
	Relevance float64
}

// Match is an item in a query's result list.
type Match struct {
	// Extension is the id of the handler that produced the item.
	Extension string
	Item      Item
	// Score orders the list, higher first.
	Score float64
}
