/*
code.go - Gift card code generation

PURPOSE:
  Generates unique, human-readable card codes: three groups of four
  characters from an alphabet without ambiguous glyphs (no 0/O, 1/I),
  e.g. "GC-7KXT-M4QP-W9RC". Codes are collision-checked against the
  store before insert.
*/
package giftcard

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"
)

// No 0/O or 1/I: codes get read over the phone and typed at the desk.
const codeAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

const (
	codePrefix    = "GC"
	codeGroups    = 3
	codeGroupSize = 4

	// Collision odds per attempt are ~1 in 32^12; a handful of attempts
	// only guards against store-level races.
	maxCodeAttempts = 5
)

func generateCode() (string, error) {
	raw := make([]byte, codeGroups*codeGroupSize)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate gift card code: %w", err)
	}

	var b strings.Builder
	b.WriteString(codePrefix)
	for i, c := range raw {
		if i%codeGroupSize == 0 {
			b.WriteByte('-')
		}
		b.WriteByte(codeAlphabet[int(c)%len(codeAlphabet)])
	}
	return b.String(), nil
}

// uniqueCode generates a code and verifies it is unused.
func (m *Manager) uniqueCode(ctx context.Context) (string, error) {
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := generateCode()
		if err != nil {
			return "", err
		}
		exists, err := m.Store.CodeExists(ctx, code)
		if err != nil {
			return "", err
		}
		if !exists {
			return code, nil
		}
	}
	return "", fmt.Errorf("failed to generate a unique gift card code after %d attempts", maxCodeAttempts)
}
