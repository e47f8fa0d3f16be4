package browser

import (
	"github.com/hitoshi/loginkeeper/internal/model"
	"github.com/playwright-community/playwright-go"
)

// toStorageState はスナップショットをPlaywrightのstorageState形式に変換する。
func toStorageState(snapshot *model.SessionSnapshot) *playwright.OptionalStorageState {
	state := &playwright.OptionalStorageState{
		Cookies: make([]playwright.OptionalCookie, 0, len(snapshot.Cookies)),
		Origins: make([]playwright.Origin, 0, len(snapshot.Origins)),
	}

	for _, c := range snapshot.Cookies {
		oc := playwright.OptionalCookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   playwright.String(c.Domain),
			Path:     playwright.String(pathOrRoot(c.Path)),
			HttpOnly: playwright.Bool(c.HTTPOnly),
			Secure:   playwright.Bool(c.Secure),
		}
		// Playwrightはセッションクッキーを-1で表す
		if c.Expires > 0 {
			oc.Expires = playwright.Float(c.Expires)
		} else {
			oc.Expires = playwright.Float(-1)
		}
		if c.SameSite != "" {
			sameSite := playwright.SameSiteAttribute(c.SameSite)
			oc.SameSite = &sameSite
		}
		state.Cookies = append(state.Cookies, oc)
	}

	for _, o := range snapshot.Origins {
		origin := playwright.Origin{
			Origin:       o.Origin,
			LocalStorage: make([]playwright.NameValue, 0, len(o.LocalStorage)),
		}
		for _, kv := range o.LocalStorage {
			origin.LocalStorage = append(origin.LocalStorage, playwright.NameValue{Name: kv.Name, Value: kv.Value})
		}
		state.Origins = append(state.Origins, origin)
	}
	return state
}

// fromStorageState はPlaywrightのstorageStateをスナップショットに変換する。
func fromStorageState(state *playwright.StorageState) *model.SessionSnapshot {
	snapshot := &model.SessionSnapshot{
		Cookies: []model.Cookie{},
		Origins: []model.Origin{},
	}
	if state == nil {
		return snapshot
	}

	for _, c := range state.Cookies {
		cookie := model.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HttpOnly,
			Secure:   c.Secure,
		}
		if c.SameSite != nil {
			cookie.SameSite = string(*c.SameSite)
		}
		snapshot.Cookies = append(snapshot.Cookies, cookie)
	}

	for _, o := range state.Origins {
		origin := model.Origin{Origin: o.Origin}
		for _, kv := range o.LocalStorage {
			origin.LocalStorage = append(origin.LocalStorage, model.NameValue{Name: kv.Name, Value: kv.Value})
		}
		snapshot.Origins = append(snapshot.Origins, origin)
	}
	return snapshot
}

func pathOrRoot(path string) string {
	if path == "" {
		return "/"
	}
	return path
}
