package restore

// MappedObject is the tagged object a completion tag decodes into. It is
// reconstructed per packet from the restore-object mapping table.
type MappedObject interface {
	mappedObject()
}

// ChainObject resumes software classification at a chain.
type ChainObject struct {
	// Chain is the classification chain the packet missed into. Chain 0
	// means no chain context needs restoring.
	Chain uint32
}

// SampleObject is a sampled packet copy.
type SampleObject struct {
	// TunnelField is the packed tunnel field of the flow that sampled
	// the packet.
	TunnelField uint32
	// GroupID identifies the sampling group the copy belongs to.
	GroupID uint32
	// Rate is the configured sampling rate.
	Rate uint32
	// TruncSize is the configured truncation length, zero for none.
	TruncSize uint32
}

// IntPortObject redirects the packet to an internal virtual-switch port.
type IntPortObject struct {
	// TunnelField, when non-zero, takes precedence over the redirect.
	TunnelField uint32
	// Metadata identifies the internal port to the resolver.
	Metadata uint32
}

func (ChainObject) mappedObject()   {}
func (SampleObject) mappedObject()  {}
func (IntPortObject) mappedObject() {}
