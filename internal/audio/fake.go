package audio

// FakeDriver never calls back on its own; tests and tools drive it with
// Cycle. It behaves like an offline driver towards the engine.
type FakeDriver struct {
	buffers
	connected bool
	cycles    int
}

func NewFakeDriver(opts Options) *FakeDriver {
	opts = opts.withDefaults()
	return &FakeDriver{buffers: buffers{sampleRate: opts.SampleRate}}
}

func (d *FakeDriver) Kind() Kind { return KindFake }

func (d *FakeDriver) Init(bufferSize int, process ProcessFunc) error {
	return d.init(bufferSize, process)
}

func (d *FakeDriver) Connect() error    { d.connected = true; return nil }
func (d *FakeDriver) Disconnect() error { d.connected = false; return nil }
func (d *FakeDriver) Connected() bool   { return d.connected }
func (d *FakeDriver) Cycles() int       { return d.cycles }

// Cycle processes one buffer of n frames; n <= 0 uses the buffer size.
func (d *FakeDriver) Cycle(n int) Status {
	if !d.connected {
		return StatusHalt
	}
	if n <= 0 || n > d.bufferSize {
		n = d.bufferSize
	}
	d.cycles++
	return d.run(n)
}

// NullDriver discards everything and never calls back. The engine falls back
// to it when the configured driver cannot connect.
type NullDriver struct {
	buffers
}

func NewNullDriver(opts Options) *NullDriver {
	opts = opts.withDefaults()
	return &NullDriver{buffers: buffers{sampleRate: opts.SampleRate}}
}

func (d *NullDriver) Kind() Kind { return KindNull }

func (d *NullDriver) Init(bufferSize int, process ProcessFunc) error {
	return d.init(bufferSize, process)
}

func (d *NullDriver) Connect() error    { return nil }
func (d *NullDriver) Disconnect() error { return nil }
