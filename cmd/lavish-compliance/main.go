// Command lavish-compliance runs the cross-implementation compliance checks.
//
//	lavish-compliance server [--listen addr]
//	lavish-compliance client ADDRESS
package main

func main() {
	Execute()
}
