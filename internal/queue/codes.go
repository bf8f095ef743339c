package queue

import (
	"crypto/rand"
	"math/big"
)

const (
	digitAlphabet  = "0123456789"
	letterAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// CodeGenerator issues the public codes customers and operators type in.
type CodeGenerator interface {
	TicketCode() (string, error)
	JoinCode() (string, error)
}

type RandomCodes struct {
	TicketLength int
	JoinLength   int
}

func NewRandomCodes(ticketLength, joinLength int) RandomCodes {
	if ticketLength <= 0 {
		ticketLength = 6
	}
	if joinLength <= 0 {
		joinLength = 6
	}
	return RandomCodes{TicketLength: ticketLength, JoinLength: joinLength}
}

func (c RandomCodes) TicketCode() (string, error) {
	return randomString(digitAlphabet, c.TicketLength)
}

func (c RandomCodes) JoinCode() (string, error) {
	return randomString(letterAlphabet, c.JoinLength)
}

func randomString(alphabet string, length int) (string, error) {
	max := big.NewInt(int64(len(alphabet)))
	out := make([]byte, length)
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = alphabet[n.Int64()]
	}
	return string(out), nil
}
