package content_test

import (
	"fmt"

	"github.com/rbaliyan/mailsync/content"
)

// ExampleRegistry_Extract demonstrates reading thread headers from a message.
func ExampleRegistry_Extract() {
	raw := "Subject: Lunch?\r\n" +
		"Message-ID: <b@example.com>\r\n" +
		"In-Reply-To: <a@example.com>\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"Noon works.\r\n"

	msg, err := content.DefaultRegistry().Extract("message/rfc822", []byte(raw))
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println("subject:", msg.Subject)
	fmt.Println("refs:", msg.ReferenceIDs())
	// Output:
	// subject: Lunch?
	// refs: [b@example.com a@example.com]
}
