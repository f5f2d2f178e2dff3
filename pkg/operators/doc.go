// Package operators manages console operator accounts: role changes,
// suspension and reinstatement.
//
// Every action passes two checks. The caller must hold the capability
// (users.change_role or users.suspend), and the caller's role must strictly
// outrank the target's current role. A role change additionally requires the
// caller to outrank the new role, so nobody can grant a rank equal to or
// above their own:
//
//	admin        -> support to user      allowed
//	admin        -> support to admin     forbidden
//	admin        -> admin to user        forbidden (peer)
//	super_admin  -> admin to support     allowed
//
// Each successful action writes one audit entry targeting the user.
package operators
