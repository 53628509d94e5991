package extension

// Base implements Extension with fixed values. It is meant to be embedded.
type Base struct {
	IDValue          string
	NameValue        string
	DescriptionValue string
}

// NewBase returns a Base with the given identity.
func NewBase(id, name, description string) Base {
	return Base{IDValue: id, NameValue: name, DescriptionValue: description}
}

// ID returns the extension id.
func (b Base) ID() string { return b.IDValue }

// Name returns the human readable name.
func (b Base) Name() string { return b.NameValue }

// Description returns a one line description.
func (b Base) Description() string { return b.DescriptionValue }
