package database

// Mode selects a read-only or read-write transaction
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

func (m Mode) String() string {
	if m == ReadWrite {
		return "readwrite"
	}
	return "readonly"
}

// PrimaryIndex scans a collection by primary key
const PrimaryIndex = ""

// KeyRange bounds an index scan. A nil *KeyRange scans everything.
type KeyRange struct {
	Lower     interface{}
	Upper     interface{}
	LowerOpen bool
	UpperOpen bool
}

// Only matches exactly v
func Only(v interface{}) *KeyRange {
	return &KeyRange{Lower: v, Upper: v}
}

// LowerBound matches keys >= v (> v when open)
func LowerBound(v interface{}, open bool) *KeyRange {
	return &KeyRange{Lower: v, LowerOpen: open}
}

// UpperBound matches keys <= v (< v when open)
func UpperBound(v interface{}, open bool) *KeyRange {
	return &KeyRange{Upper: v, UpperOpen: open}
}

// Bound matches keys between lower and upper
func Bound(lower, upper interface{}, lowerOpen, upperOpen bool) *KeyRange {
	return &KeyRange{Lower: lower, Upper: upper, LowerOpen: lowerOpen, UpperOpen: upperOpen}
}

// where renders the range as a SQL condition over expr
func (r *KeyRange) where(expr string) (string, []interface{}) {
	if r == nil {
		return "", nil
	}
	var (
		cond string
		args []interface{}
	)
	if r.Lower != nil {
		op := ">="
		if r.LowerOpen {
			op = ">"
		}
		cond = expr + " " + op + " ?"
		args = append(args, r.Lower)
	}
	if r.Upper != nil {
		op := "<="
		if r.UpperOpen {
			op = "<"
		}
		if cond != "" {
			cond += " AND "
		}
		cond += expr + " " + op + " ?"
		args = append(args, r.Upper)
	}
	return cond, args
}
