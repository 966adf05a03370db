package parallel

// Band is a half-open row range [Start, End).
type Band struct {
	Start, End int
}

// Len returns the number of rows in the band.
func (b Band) Len() int { return b.End - b.Start }

// Split divides [0, total) into at most parts contiguous bands whose sizes
// differ by at most one row. The first total%parts bands get the extra row.
// Empty bands are omitted, so fewer than parts bands are returned when
// total < parts.
func Split(total, parts int) []Band {
	if total <= 0 {
		return nil
	}
	parts = max(1, min(parts, total))

	size, rem := total/parts, total%parts
	bands := make([]Band, parts)
	start := 0
	for i := range bands {
		n := size
		if i < rem {
			n++
		}
		bands[i] = Band{Start: start, End: start + n}
		start += n
	}
	return bands
}
