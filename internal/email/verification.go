package email

import "fmt"

// verificationCodeBody returns the plain text body for a registration verification-code message.
func verificationCodeBody(code string) string {
	return fmt.Sprintf(
		"Welcome to OpenConv!\n\n"+
			"Your verification code is: %s\n\n"+
			"This code expires in 10 minutes. If you did not request this, you can safely ignore this email.\n",
		code,
	)
}

// recoveryCodeBody returns the plain text body for an account recovery code message.
func recoveryCodeBody(code string) string {
	return fmt.Sprintf(
		"A recovery was requested for your OpenConv account.\n\n"+
			"Your recovery code is: %s\n\n"+
			"This code expires in 10 minutes. If you did not request this, you can safely ignore this email.\n",
		code,
	)
}
