package vcrypto

import (
	"context"
	"fmt"

	"github.com/slackhq/vcrypto/header"
)

// Session is a crypto session created on the device.
type Session struct {
	Service header.Service
	ID      uint64
	// Algo is placed in the header of every operation of the session.
	Algo uint32
	// Chain is set for algorithm chaining sessions.
	Chain bool
}

func (s Session) String() string {
	return fmt.Sprintf("%s session %d", s.Service, s.ID)
}

// CreateSession creates a session from the given parameters, one of the
// session parameter types of the header package.
func (d *Device) CreateSession(ctx context.Context, p header.ControlParams) (Session, error) {
	cq, err := d.startedControl()
	if err != nil {
		return Session{}, err
	}

	if _, ok := p.(*header.DestroySessionParams); ok {
		return Session{}, invalidOp("destroy parameters can not create a session")
	}
	if err = d.checkSession(p); err != nil {
		return Session{}, err
	}

	resp, err := cq.Command(ctx, p)
	if err != nil {
		return Session{}, err
	}

	_, chain := p.(*header.ChainSessionParams)
	s := Session{
		Service: p.Opcode().Service(),
		ID:      resp.SessionID,
		Algo:    p.HeaderAlgo(),
		Chain:   chain,
	}
	d.l.WithField("session", s.ID).
		WithField("service", s.Service).
		WithField("algo", s.Algo).
		Debug("Created session")
	return s, nil
}

// DestroySession destroys a session created with [Device.CreateSession].
func (d *Device) DestroySession(ctx context.Context, s Session) error {
	cq, err := d.startedControl()
	if err != nil {
		return err
	}

	if _, err = cq.Command(ctx, &header.DestroySessionParams{Service: s.Service, SessionID: s.ID}); err != nil {
		return err
	}
	d.l.WithField("session", s.ID).WithField("service", s.Service).Debug("Destroyed session")
	return nil
}

func (d *Device) startedControl() (*ControlQueue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.control == nil {
		return nil, ErrNotSetUp
	}
	if !d.started {
		return nil, ErrNotStarted
	}
	return d.control, nil
}

// checkSession rejects sessions the device did not announce support for.
func (d *Device) checkSession(p header.ControlParams) error {
	d.mu.Lock()
	cfg := d.config
	d.mu.Unlock()

	service := p.Opcode().Service()
	if !cfg.HasService(service) {
		return invalidOp("device does not offer the %s service", service)
	}

	keyLimit := func(key []byte, max uint32, what string) error {
		if max > 0 && uint32(len(key)) > max {
			return invalidOp("%s key of %d bytes exceeds %d", what, len(key), max)
		}
		return nil
	}

	switch v := p.(type) {
	case *header.CipherSessionParams:
		if !cfg.HasCipher(v.Algo) {
			return invalidOp("device does not offer cipher %s", v.Algo)
		}
		return keyLimit(v.Key, cfg.MaxCipherKeyLen, "cipher")
	case *header.ChainSessionParams:
		if !cfg.HasCipher(v.Cipher.Algo) {
			return invalidOp("device does not offer cipher %s", v.Cipher.Algo)
		}
		if err := keyLimit(v.Cipher.Key, cfg.MaxCipherKeyLen, "cipher"); err != nil {
			return err
		}
		return keyLimit(v.AuthKey, cfg.MaxAuthKeyLen, "auth")
	case *header.HashSessionParams:
		if !cfg.HasHash(v.Algo) {
			return invalidOp("device does not offer hash %s", v.Algo)
		}
	case *header.MACSessionParams:
		if !cfg.HasMAC(v.Algo) {
			return invalidOp("device does not offer mac %s", v.Algo)
		}
		return keyLimit(v.Key, cfg.MaxAuthKeyLen, "auth")
	case *header.AEADSessionParams:
		if !cfg.HasAEAD(v.Algo) {
			return invalidOp("device does not offer aead %s", v.Algo)
		}
		return keyLimit(v.Key, cfg.MaxCipherKeyLen, "aead")
	case *header.AKCipherSessionParams:
		if !cfg.HasAKCipher(v.Algo) {
			return invalidOp("device does not offer akcipher %s", v.Algo)
		}
	}
	return nil
}
