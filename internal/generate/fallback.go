package generate

import (
	"fmt"
	"math/rand"

	"github.com/brunovdl/whatsapp-devocional-rapberrypi/internal/content"
)

// fallbackDevotional is one pre-written devotional used when the model cannot
// produce a valid one.
type fallbackDevotional struct {
	verse      content.Verse
	reflection string
	practice   string
}

var fallbacks = []fallbackDevotional{
	{
		verse: content.Verse{
			Text:      "Não temas, porque eu sou contigo; não te assombres, porque eu sou teu Deus; eu te fortaleço, e te ajudo, e te sustento com a destra da minha justiça.",
			Reference: "Isaías 41:10",
		},
		reflection: "Mesmo quando enfrentamos dificuldades ou desafios inesperados, Deus está ao nosso lado, pronto para nos dar força e sustento. Este versículo nos lembra que não precisamos temer, pois temos a presença constante do Senhor em nossas vidas, guiando nossos passos e iluminando nosso caminho.",
		practice:   "Hoje, ao enfrentar qualquer situação desafiadora, faça uma pausa, respire e relembre esta promessa de sustento divino antes de prosseguir.",
	},
	{
		verse: content.Verse{
			Text:      "Tudo posso naquele que me fortalece.",
			Reference: "Filipenses 4:13",
		},
		reflection: "Este versículo nos lembra que nossa força vem de Deus. Quando enfrentamos desafios que parecem além das nossas capacidades, não estamos sozinhos. Com o poder de Cristo, podemos superar obstáculos que sozinhos seriam impossíveis. Esta não é uma promessa de sucesso em tudo, mas de força para perseverar em todas as circunstâncias.",
		practice:   "Identifique um desafio atual em sua vida e entregue-o em oração, reconhecendo sua dependência da força divina para superá-lo.",
	},
	{
		verse: content.Verse{
			Text:      "O Senhor é meu pastor; nada me faltará.",
			Reference: "Salmos 23:1",
		},
		reflection: "Neste belo salmo, Davi compara o cuidado de Deus ao de um pastor dedicado que supre todas as necessidades de suas ovelhas. Quando confiamos em Deus como nosso pastor, podemos descansar na certeza de que Ele conhece nossas necessidades e cuida de nós com amor e sabedoria, mesmo nos momentos mais difíceis.",
		practice:   "Reserve um momento hoje para listar suas necessidades e agradecer a Deus pelo cuidado que Ele já está providenciando em cada área.",
	},
}

// Fallback renders one of the pre-written devotionals for the given date.
// The pick is random unless every candidate's verse is excluded; then the
// first candidate wins regardless, a sent repeat beating a silent morning.
func Fallback(humanDate string, rng *rand.Rand, exclude func(content.Verse) bool) string {
	candidates := fallbacks
	if exclude != nil {
		fresh := make([]fallbackDevotional, 0, len(fallbacks))
		for _, f := range fallbacks {
			if !exclude(f.verse) {
				fresh = append(fresh, f)
			}
		}
		if len(fresh) > 0 {
			candidates = fresh
		}
	}

	pick := candidates[0]
	if rng != nil && len(candidates) > 1 {
		pick = candidates[rng.Intn(len(candidates))]
	}

	return fmt.Sprintf(`📅 %s

📖 *Versículo:* %q (%s)

💭 *Reflexão:* %s

🧗🏼 *Prática:* %s`,
		humanDate, pick.verse.Text, pick.verse.Reference, pick.reflection, pick.practice)
}
