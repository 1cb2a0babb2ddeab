package wden

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// DecryptedItem is the plaintext view model of one vault item. Instances
// live only in memory and are wiped wholesale when the vault locks.
type DecryptedItem struct {
	ID             string
	Kind           ItemKind
	Name           string
	Username       string
	Password       string
	URI            string
	Notes          string
	Favorite       bool
	OrganizationID string
	CollectionIDs  []string
	// Fields carries the kind-specific extras (card and identity
	// details) keyed by field name.
	Fields map[string]string
}

// Wipe overwrites the item's decrypted strings. Strings are immutable in
// Go, so this drops references for collection; buffers that backed them
// are not recoverable through the item afterwards.
func (d *DecryptedItem) Wipe() {
	*d = DecryptedItem{}
}

// Decryptor fans the envelope engine out over a synced vault. It borrows
// the live keys from a Lifecycle for the duration of one batch.
type Decryptor struct {
	lifecycle *Lifecycle
	workers   int
	log       zerolog.Logger
}

// NewDecryptor builds a decryptor over the lifecycle's keys. workers <= 0
// means one per CPU.
func NewDecryptor(lifecycle *Lifecycle, workers int, log zerolog.Logger) *Decryptor {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Decryptor{lifecycle: lifecycle, workers: workers, log: log}
}

// DecryptAll decrypts every item in the sync payload. Items whose keys
// cannot be resolved or whose envelopes fail verification are skipped and
// logged, not fatal: one corrupt record must not hide the rest of the
// vault. Returns ErrVaultLocked when the vault is not unlocked; a context
// cancellation stops the batch.
//
// The lifecycle read lock is held for the whole batch, so a concurrent
// Lock waits for it.
func (d *Decryptor) DecryptAll(ctx context.Context, data *SyncResponse) ([]DecryptedItem, error) {
	var out []DecryptedItem
	err := d.lifecycle.WithKeys(func(userKeys *EncMacKeys, privateKeyDER []byte) error {
		orgKeys, err := d.decryptOrgKeys(data.Profile.Organizations, privateKeyDER)
		if err != nil {
			return err
		}
		defer func() {
			for _, k := range orgKeys {
				k.Destroy()
			}
		}()

		lookup := func(orgID string) *EncMacKeys {
			return orgKeys[orgID]
		}

		items := make(chan *VaultItem)
		results := make(chan DecryptedItem, d.workers)

		var wg sync.WaitGroup
		for i := 0; i < d.workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for item := range items {
					dec, err := d.decryptItem(item, userKeys, lookup)
					if err != nil {
						d.log.Warn().Err(err).Str("item", item.ID).Msg("skipping undecryptable item")
						continue
					}
					results <- dec
				}
			}()
		}

		go func() {
			defer close(items)
			for i := range data.Ciphers {
				select {
				case items <- &data.Ciphers[i]:
				case <-ctx.Done():
					return
				}
			}
		}()

		go func() {
			wg.Wait()
			close(results)
		}()

		for dec := range results {
			out = append(out, dec)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		sort.Slice(out, func(i, j int) bool {
			return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// decryptOrgKeys unwraps every enabled organization's key with the
// profile private key. A vault without organization items needs no
// private key.
func (d *Decryptor) decryptOrgKeys(orgs []Organization, privateKeyDER []byte) (map[string]*EncMacKeys, error) {
	keys := make(map[string]*EncMacKeys, len(orgs))
	for _, org := range orgs {
		if !org.Enabled || org.Key.IsEmpty() {
			continue
		}
		if privateKeyDER == nil {
			return nil, fmt.Errorf("organization %s present but no private key on file", org.ID)
		}
		k, err := DecryptOrgKey(privateKeyDER, org.Key)
		if err != nil {
			for _, v := range keys {
				v.Destroy()
			}
			return nil, fmt.Errorf("decrypting key of organization %s: %w", org.ID, err)
		}
		keys[org.ID] = k
	}
	return keys, nil
}

func (d *Decryptor) decryptItem(item *VaultItem, userKeys *EncMacKeys, orgKey func(string) *EncMacKeys) (DecryptedItem, error) {
	keys, owned, err := ResolveItemKeys(item, userKeys, orgKey)
	if err != nil {
		return DecryptedItem{}, err
	}
	if owned {
		defer keys.Destroy()
	}

	dec := DecryptedItem{
		ID:             item.ID,
		Kind:           item.Kind,
		Favorite:       item.Favorite,
		OrganizationID: item.OrganizationID,
		CollectionIDs:  item.CollectionIDs,
	}

	if dec.Name, err = decryptString(item.Name, keys); err != nil {
		return DecryptedItem{}, fmt.Errorf("decrypting name: %w", err)
	}
	if dec.Notes, err = decryptString(item.Notes, keys); err != nil {
		return DecryptedItem{}, fmt.Errorf("decrypting notes: %w", err)
	}

	switch {
	case item.Login != nil:
		if dec.Username, err = decryptString(item.Login.Username, keys); err != nil {
			return DecryptedItem{}, err
		}
		if dec.Password, err = decryptString(item.Login.Password, keys); err != nil {
			return DecryptedItem{}, err
		}
		if dec.URI, err = decryptString(item.Login.URI, keys); err != nil {
			return DecryptedItem{}, err
		}
		if dec.URI == "" && len(item.Login.URIs) > 0 {
			if dec.URI, err = decryptString(item.Login.URIs[0].URI, keys); err != nil {
				return DecryptedItem{}, err
			}
		}
	case item.Card != nil:
		dec.Fields, err = decryptFields(keys, map[string]CipherString{
			"brand":           item.Card.Brand,
			"cardholder name": item.Card.CardholderName,
			"number":          item.Card.Number,
			"exp month":       item.Card.ExpMonth,
			"exp year":        item.Card.ExpYear,
			"code":            item.Card.Code,
		})
		if err != nil {
			return DecryptedItem{}, err
		}
	case item.Identity != nil:
		dec.Fields, err = decryptFields(keys, map[string]CipherString{
			"title":       item.Identity.Title,
			"first name":  item.Identity.FirstName,
			"middle name": item.Identity.MiddleName,
			"last name":   item.Identity.LastName,
			"username":    item.Identity.Username,
			"company":     item.Identity.Company,
			"email":       item.Identity.Email,
			"phone":       item.Identity.Phone,
			"ssn":         item.Identity.SSN,
			"address1":    item.Identity.Address1,
			"address2":    item.Identity.Address2,
			"city":        item.Identity.City,
			"state":       item.Identity.State,
			"postal code": item.Identity.PostalCode,
			"country":     item.Identity.Country,
		})
		if err != nil {
			return DecryptedItem{}, err
		}
	}
	return dec, nil
}

func decryptString(c CipherString, keys *EncMacKeys) (string, error) {
	plain, err := c.Decrypt(keys)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func decryptFields(keys *EncMacKeys, fields map[string]CipherString) (map[string]string, error) {
	out := make(map[string]string, len(fields))
	for name, c := range fields {
		v, err := decryptString(c, keys)
		if err != nil {
			return nil, fmt.Errorf("decrypting %s: %w", name, err)
		}
		if v != "" {
			out[name] = v
		}
	}
	return out, nil
}
