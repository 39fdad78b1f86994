package hw

// Perm is the access a mapping grants.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExecute
)

func (p Perm) Readable() bool   { return p&PermRead != 0 }
func (p Perm) Writable() bool   { return p&PermWrite != 0 }
func (p Perm) Executable() bool { return p&PermExecute != 0 }

func (p Perm) String() string {
	out := []byte("---")
	if p.Readable() {
		out[0] = 'r'
	}
	if p.Writable() {
		out[1] = 'w'
	}
	if p.Executable() {
		out[2] = 'x'
	}
	return string(out)
}
