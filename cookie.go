package vcrypto

import (
	"fmt"

	"github.com/slackhq/vcrypto/header"
	"github.com/slackhq/vcrypto/virtqueue"
)

const (
	// cookieSegments is the capacity of the indirect table of a cookie. No
	// operation needs more than seven segments.
	cookieSegments = 8
	// maxCookieIVSize is the largest IV a cookie can carry inline.
	maxCookieIVSize = 64

	cookieTableOffset   = 0
	cookieRequestOffset = cookieTableOffset + cookieSegments*16
	cookieStatusOffset  = cookieRequestOffset + header.DataRequestLen
	cookieIVOffset      = cookieStatusOffset + header.StatusLen
)

// statusUnset is written to the status byte before a request is handed to
// the device. It is not a status the device may return.
const statusUnset = 0xff

// cookie is the per operation scratch memory: the request, the status byte,
// an inline copy of the IV and the indirect table that describes them.
type cookie struct {
	index   int
	request []byte
	status  []byte
	iv      []byte
	table   *virtqueue.IndirectTable
}

// cookiePool hands out cookies carved from one region. It is owned by a
// single data queue and not safe for concurrent use.
type cookiePool struct {
	region  *virtqueue.Region
	cookies []cookie
	free    []*cookie
}

func cookieSize(maxIVSize int) int {
	size := cookieIVOffset + maxIVSize
	// Keeps every indirect table 16-byte aligned.
	return (size + 15) &^ 15
}

// newCookiePool carves n cookies out of region, which must be large enough
// for n times cookieSize(maxIVSize).
func newCookiePool(region *virtqueue.Region, n, maxIVSize int) (*cookiePool, error) {
	size := cookieSize(maxIVSize)
	if region.Len() < n*size {
		return nil, fmt.Errorf("cookie region of %d bytes is too small for %d cookies", region.Len(), n)
	}

	p := &cookiePool{
		region:  region,
		cookies: make([]cookie, n),
		free:    make([]*cookie, 0, n),
	}

	mem := region.Bytes()
	for i := range p.cookies {
		b := mem[i*size : (i+1)*size]
		table, err := virtqueue.NewIndirectTable(b[cookieTableOffset:cookieRequestOffset])
		if err != nil {
			return nil, err
		}
		p.cookies[i] = cookie{
			index:   i,
			request: b[cookieRequestOffset:cookieStatusOffset],
			status:  b[cookieStatusOffset:cookieIVOffset],
			iv:      b[cookieIVOffset : cookieIVOffset+maxIVSize],
			table:   table,
		}
	}

	// Handed out in index order.
	for i := n - 1; i >= 0; i-- {
		p.free = append(p.free, &p.cookies[i])
	}
	return p, nil
}

func (p *cookiePool) get() (*cookie, error) {
	if len(p.free) == 0 {
		return nil, ErrCookiePoolEmpty
	}
	c := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	c.status[0] = statusUnset
	return c, nil
}

func (p *cookiePool) put(c *cookie) {
	p.free = append(p.free, c)
}

// available returns the number of free cookies.
func (p *cookiePool) available() int {
	return len(p.free)
}

func (p *cookiePool) capacity() int {
	return len(p.cookies)
}
