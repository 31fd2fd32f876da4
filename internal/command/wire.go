package command

import (
	"fmt"
	"strings"
)

const defaultCard = "0000000000"

// RenderCreate renders the user upload command understood by the firmware.
func RenderCreate(id int64, pin int, name, card string) string {
	if strings.TrimSpace(card) == "" {
		card = defaultCard
	}
	return fmt.Sprintf("C:%d:DATA USER PIN=%d Name=%s Pri=0 Passwd= Card=[%s] Grp=1 TZ=0000000000000000\n",
		id, pin, sanitize(name), card)
}

// RenderUpdate renders a user rename command.
func RenderUpdate(id int64, pin int, name string) string {
	return fmt.Sprintf("C:%d:DATA USER PIN=%d Name=%s \n", id, pin, sanitize(name))
}

// RenderDelete renders a user removal command.
func RenderDelete(id int64, pin int) string {
	return fmt.Sprintf("C:%d:DATA DEL_USER PIN=%d \n", id, pin)
}

// names travel on a single command line
func sanitize(name string) string {
	r := strings.NewReplacer("\r", " ", "\n", " ", "\t", " ")
	return strings.TrimSpace(r.Replace(name))
}

// Ack is one parsed line of a devicecmd upload, e.g. "ID=12&Return=0&CMD=DATA".
type Ack struct {
	ID     int64
	Return int
	Cmd    string
	Fields map[string]string
}
