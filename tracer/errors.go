package tracer

import "fmt"

func errMinorInUse(minor int) error {
	return fmt.Errorf("tracer: minor %d already in use", minor)
}
