package wire

import (
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

func (m *Welcome) appendBody(b []byte) []byte {
	b = appendUint32(b, 1, m.Alias)

	aliases := make([]uint32, 0, len(m.PeerIdentities))
	for alias := range m.PeerIdentities {
		aliases = append(aliases, alias)
	}
	sort.Slice(aliases, func(i, j int) bool { return aliases[i] < aliases[j] })

	for _, alias := range aliases {
		var entry []byte
		entry = appendUint32(entry, 1, alias)
		entry = appendString(entry, 2, m.PeerIdentities[alias])
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}

	return b
}

func (m *Welcome) decodeBody(b []byte) error {
	m.PeerIdentities = make(map[uint32]string)
	return walk(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1:
			return consumeUint32(typ, v, &m.Alias)
		case 2:
			if typ != protowire.BytesType {
				return 0, nil
			}
			entry, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return n, nil
			}
			var alias uint32
			var address string
			err := walk(entry, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
				switch num {
				case 1:
					return consumeUint32(typ, v, &alias)
				case 2:
					return consumeString(typ, v, &address)
				}
				return 0, nil
			})
			if err != nil {
				return 0, err
			}
			m.PeerIdentities[alias] = address
			return n, nil
		}
		return 0, nil
	})
}

func (m *PeerJoin) appendBody(b []byte) []byte {
	b = appendUint32(b, 1, m.Alias)
	return appendString(b, 2, m.Address)
}

func (m *PeerJoin) decodeBody(b []byte) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1:
			return consumeUint32(typ, v, &m.Alias)
		case 2:
			return consumeString(typ, v, &m.Address)
		}
		return 0, nil
	})
}

func (m *PeerLeave) appendBody(b []byte) []byte {
	return appendUint32(b, 1, m.Alias)
}

func (m *PeerLeave) decodeBody(b []byte) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		if num == 1 {
			return consumeUint32(typ, v, &m.Alias)
		}
		return 0, nil
	})
}

func (m *PeerUpdate) appendBody(b []byte) []byte {
	b = appendUint32(b, 1, m.FromAlias)
	if len(m.Body) > 0 {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Body)
	}
	return appendBool(b, 3, m.Unreliable)
}

func (m *PeerUpdate) decodeBody(b []byte) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1:
			return consumeUint32(typ, v, &m.FromAlias)
		case 2:
			if typ != protowire.BytesType {
				return 0, nil
			}
			body, n := protowire.ConsumeBytes(v)
			if n >= 0 {
				m.Body = append([]byte(nil), body...)
			}
			return n, nil
		case 3:
			return consumeBool(typ, v, &m.Unreliable)
		}
		return 0, nil
	})
}

func (m *Challenge) appendBody(b []byte) []byte {
	b = appendString(b, 1, m.ChallengeToSign)
	return appendBool(b, 2, m.AlreadyConnected)
}

func (m *Challenge) decodeBody(b []byte) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, v, &m.ChallengeToSign)
		case 2:
			return consumeBool(typ, v, &m.AlreadyConnected)
		}
		return 0, nil
	})
}

func (m *SignedChallenge) appendBody(b []byte) []byte {
	return appendString(b, 1, m.AuthChainJSON)
}

func (m *SignedChallenge) decodeBody(b []byte) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		if num == 1 {
			return consumeString(typ, v, &m.AuthChainJSON)
		}
		return 0, nil
	})
}

func (m *PeerIdentification) appendBody(b []byte) []byte {
	return appendString(b, 1, m.Address)
}

func (m *PeerIdentification) decodeBody(b []byte) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		if num == 1 {
			return consumeString(typ, v, &m.Address)
		}
		return 0, nil
	})
}

func (m *PeerKicked) appendBody(b []byte) []byte {
	return appendString(b, 1, m.Reason)
}

func (m *PeerKicked) decodeBody(b []byte) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		if num == 1 {
			return consumeString(typ, v, &m.Reason)
		}
		return 0, nil
	})
}

// walk iterates the fields of a message body. visit returns how many bytes
// of the value it consumed; zero means "not mine" and the value is skipped.
func walk(b []byte, visit func(num protowire.Number, typ protowire.Type, v []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		n, err := visit(num, typ, b)
		if err != nil {
			return err
		}
		if n == 0 {
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
	}

	return nil
}

// proto3 scalars are omitted when they hold the zero value.

func appendUint32(b []byte, num protowire.Number, v uint32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeBool(v))
}

func consumeUint32(typ protowire.Type, b []byte, dst *uint32) (int, error) {
	if typ != protowire.VarintType {
		return 0, nil
	}
	v, n := protowire.ConsumeVarint(b)
	if n >= 0 {
		*dst = uint32(v)
	}
	return n, nil
}

func consumeString(typ protowire.Type, b []byte, dst *string) (int, error) {
	if typ != protowire.BytesType {
		return 0, nil
	}
	v, n := protowire.ConsumeString(b)
	if n >= 0 {
		*dst = v
	}
	return n, nil
}

func consumeBool(typ protowire.Type, b []byte, dst *bool) (int, error) {
	if typ != protowire.VarintType {
		return 0, nil
	}
	v, n := protowire.ConsumeVarint(b)
	if n >= 0 {
		*dst = protowire.DecodeBool(v)
	}
	return n, nil
}
