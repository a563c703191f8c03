// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

/*
Package core holds the concepts and pure logic of sofa's domain.

What should *not* go here:

  - anything that touches a socket, or speaks HTTP;
  - anything concerned with a particular wire encoding beyond the JSON forms
    the server defines for its own values;
  - mutable global state.

Subpackages of core may import each other, but never any other sofa
package.
*/
package core
