// Package application contém o caso de uso do rate limit: decidir se um
// request entra ou recebe 429.
//
// Depende apenas do pacote domain e não conhece net/http.
// Ex.: Service.Admit(path, resolve) retorna uma Decision (allow/deny + retry-after).
package application
