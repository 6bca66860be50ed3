package query

type Order uint8

const (
	Ascending Order = iota
	Descending
)

type Option func(*Options)

func WithLimit(limit int) Option {
	return func(o *Options) {
		if limit > 0 {
			o.Limit = limit
		}
	}
}

func WithAscending() Option {
	return func(o *Options) {
		o.Order = Ascending
	}
}

func WithDescending() Option {
	return func(o *Options) {
		o.Order = Descending
	}
}

type Options struct {
	Limit int
	Order Order
}

func DefaultOptions() Options {
	return Options{
		Limit: 100,
		Order: Ascending,
	}
}

func ApplyOptions(options ...Option) Options {
	applied := DefaultOptions()
	for _, option := range options {
		option(&applied)
	}
	return applied
}
