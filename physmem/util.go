package physmem

import "fmt"

func hex(v uint32) string {
	return fmt.Sprintf("0x%08X", v)
}
